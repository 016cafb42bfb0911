package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "_AiDevLog", cfg.WorkingDirectory)
	require.Equal(t, 5, cfg.AgentPoolSize)
	require.Equal(t, 5000, cfg.StateUpdateInterval)
	require.Equal(t, 600000, cfg.StuckProcessThreshold)
	require.Equal(t, 0, cfg.RestDuration)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "pool size too small",
			mutate:  func(c *Config) { c.AgentPoolSize = 0 },
			wantErr: "agent_pool_size",
		},
		{
			name:    "pool size too large",
			mutate:  func(c *Config) { c.AgentPoolSize = 33 },
			wantErr: "agent_pool_size",
		},
		{
			name:    "state interval below floor",
			mutate:  func(c *Config) { c.StateUpdateInterval = 499 },
			wantErr: "state_update_interval",
		},
		{
			name:    "state interval above ceiling",
			mutate:  func(c *Config) { c.StateUpdateInterval = 60001 },
			wantErr: "state_update_interval",
		},
		{
			name:    "empty working directory",
			mutate:  func(c *Config) { c.WorkingDirectory = "" },
			wantErr: "working_directory",
		},
		{
			name:    "negative rest duration",
			mutate:  func(c *Config) { c.RestDuration = -1 },
			wantErr: "rest_duration",
		},
		{
			name:    "zero debounce",
			mutate:  func(c *Config) { c.Coordinator.DebounceMs = 0 },
			wantErr: "coordinator windows",
		},
		{
			name:    "unknown tracing exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "tracing.exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	cfg.RestDuration = 1500
	cfg.StuckProcessThreshold = 2000

	require.Equal(t, "1.5s", cfg.Rest().String())
	require.Equal(t, "2s", cfg.StuckThreshold().String())
	require.Equal(t, "1s", cfg.Debounce().String())
	require.Equal(t, "5s", cfg.FlushInterval().String())
}
