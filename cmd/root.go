// Package cmd holds the weft command tree.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weftworks/weft/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	workspace string
	cfg       config.Config
)

// SetVersion injects build information from main.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:     "weft",
	Short:   "Coordination daemon for multi-agent coding workflows",
	Long: `Weft coordinates AI coding agents through graph-defined workflows:
sessions move from planning through review to execution while a daemon
supervises agent processes, persists state, and serves IPC clients.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <workspace>/.weft/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "",
		"workspace root (default: current directory)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("working_directory", defaults.WorkingDirectory)
	viper.SetDefault("agent_pool_size", defaults.AgentPoolSize)
	viper.SetDefault("state_update_interval", defaults.StateUpdateInterval)
	viper.SetDefault("default_agent_backend", defaults.DefaultAgentBackend)
	viper.SetDefault("stuck_process_threshold", defaults.StuckProcessThreshold)
	viper.SetDefault("rest_duration", defaults.RestDuration)
	viper.SetDefault("max_subgraph_depth", defaults.MaxSubgraphDepth)
	viper.SetDefault("coordinator.debounce_ms", defaults.Coordinator.DebounceMs)
	viper.SetDefault("coordinator.cooldown_ms", defaults.Coordinator.CooldownMs)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("WEFT")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. <workspace>/.weft/config.yaml
		// 2. ~/.config/weft/config.yaml
		viper.AddConfigPath(filepath.Join(resolveWorkspace(), ".weft"))
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "weft"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Missing config files fall back to defaults.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
