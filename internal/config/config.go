// Package config provides configuration types and defaults for the weft daemon.
package config

import (
	"fmt"
	"time"
)

// Default values and bounds for recognized options.
const (
	DefaultWorkingDirectory     = "_AiDevLog"
	DefaultAgentPoolSize        = 5
	MinAgentPoolSize            = 1
	MaxAgentPoolSize            = 32
	DefaultStateUpdateInterval  = 5000
	MinStateUpdateInterval      = 500
	MaxStateUpdateInterval      = 60000
	DefaultStuckThresholdMs     = 600000
	DefaultRestDurationMs       = 0
	DefaultDebounceMs           = 1000
	DefaultCooldownMs           = 1000
	DefaultMaxSubgraphDepth     = 8
	DefaultStaleLockTTL         = 5 * time.Minute
	DefaultWatcherDebounce      = 250 * time.Millisecond
	DefaultProcessGracePeriod   = 5 * time.Second
	DefaultCompletedHistoryKeep = 20
)

// CoordinatorConfig holds the coordinator's timing windows.
type CoordinatorConfig struct {
	DebounceMs int `mapstructure:"debounce_ms"`
	CooldownMs int `mapstructure:"cooldown_ms"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "stdout", "file", or "otlp"
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for the weft daemon.
type Config struct {
	// WorkingDirectory is the subpath under the workspace root that holds
	// all daemon state (plans, cache, logs).
	WorkingDirectory string `mapstructure:"working_directory"`

	// AgentPoolSize is the initial number of agent slots (1..32).
	AgentPoolSize int `mapstructure:"agent_pool_size"`

	// StateUpdateInterval is the store flush cadence in milliseconds (500..60000).
	StateUpdateInterval int `mapstructure:"state_update_interval"`

	// DefaultAgentBackend names the agent-backend recipe used to build
	// child-process command lines ("claude", "codex", "mock").
	DefaultAgentBackend string `mapstructure:"default_agent_backend"`

	// StuckProcessThreshold is the inactivity window in milliseconds before
	// a tracked child process counts as stuck.
	StuckProcessThreshold int `mapstructure:"stuck_process_threshold"`

	// RestDuration is the slot rest period after release, in milliseconds.
	RestDuration int `mapstructure:"rest_duration"`

	// OrphanSignature is the command-line substring used by the orphan
	// sweep. When empty the sweep is skipped entirely.
	OrphanSignature string `mapstructure:"orphan_signature"`

	// MaxSubgraphDepth bounds subgraph nesting at load time.
	MaxSubgraphDepth int `mapstructure:"max_subgraph_depth"`

	// EnableDomainExtensions gates optional subsystem integrations by name.
	EnableDomainExtensions map[string]bool `mapstructure:"enable_domain_extensions"`

	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// Defaults returns the recognized option set with default values.
func Defaults() Config {
	return Config{
		WorkingDirectory:      DefaultWorkingDirectory,
		AgentPoolSize:         DefaultAgentPoolSize,
		StateUpdateInterval:   DefaultStateUpdateInterval,
		DefaultAgentBackend:   "claude",
		StuckProcessThreshold: DefaultStuckThresholdMs,
		RestDuration:          DefaultRestDurationMs,
		MaxSubgraphDepth:      DefaultMaxSubgraphDepth,
		Coordinator: CoordinatorConfig{
			DebounceMs: DefaultDebounceMs,
			CooldownMs: DefaultCooldownMs,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

// Validate checks option bounds. A non-nil error means the daemon must
// refuse to start (exit code 64).
func (c *Config) Validate() error {
	if c.WorkingDirectory == "" {
		return fmt.Errorf("working_directory must not be empty")
	}
	if c.AgentPoolSize < MinAgentPoolSize || c.AgentPoolSize > MaxAgentPoolSize {
		return fmt.Errorf("agent_pool_size %d out of bounds [%d..%d]",
			c.AgentPoolSize, MinAgentPoolSize, MaxAgentPoolSize)
	}
	if c.StateUpdateInterval < MinStateUpdateInterval || c.StateUpdateInterval > MaxStateUpdateInterval {
		return fmt.Errorf("state_update_interval %d out of bounds [%d..%d]",
			c.StateUpdateInterval, MinStateUpdateInterval, MaxStateUpdateInterval)
	}
	if c.StuckProcessThreshold <= 0 {
		return fmt.Errorf("stuck_process_threshold must be positive, got %d", c.StuckProcessThreshold)
	}
	if c.RestDuration < 0 {
		return fmt.Errorf("rest_duration must be non-negative, got %d", c.RestDuration)
	}
	if c.MaxSubgraphDepth <= 0 {
		return fmt.Errorf("max_subgraph_depth must be positive, got %d", c.MaxSubgraphDepth)
	}
	if c.Coordinator.DebounceMs <= 0 || c.Coordinator.CooldownMs < 0 {
		return fmt.Errorf("coordinator windows invalid: debounce_ms=%d cooldown_ms=%d",
			c.Coordinator.DebounceMs, c.Coordinator.CooldownMs)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "file", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q not recognized", c.Tracing.Exporter)
	}
	return nil
}

// StuckThreshold returns the stuck-process window as a duration.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckProcessThreshold) * time.Millisecond
}

// Rest returns the slot rest period as a duration.
func (c *Config) Rest() time.Duration {
	return time.Duration(c.RestDuration) * time.Millisecond
}

// Debounce returns the coordinator debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Coordinator.DebounceMs) * time.Millisecond
}

// Cooldown returns the coordinator cooldown window as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Coordinator.CooldownMs) * time.Millisecond
}

// FlushInterval returns the store flush cadence as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.StateUpdateInterval) * time.Millisecond
}
