// Package cmd wires the passport consumer CLI: the daemon shell, the
// one-shot fetch flow and journal inspection.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/passport-consumer/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "passport-consumer",
	Short: "Dataspace consumer for digital product passports",
	Long: `Consumer-side orchestrator for retrieving digital product passports over
an EDC-style dataspace: contract negotiation, data transfer and the
per-process history journal, driven from the command line.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .passport-consumer/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().String("data-dir", "",
		"directory for persisted process state")

	// Bind flags to viper
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("vault_file", defaults.VaultFile)
	viper.SetDefault("cache_catalog", defaults.CacheCatalog)
	viper.SetDefault("edc.management", defaults.EDC.Management)
	viper.SetDefault("edc.catalog", defaults.EDC.Catalog)
	viper.SetDefault("edc.negotiation", defaults.EDC.Negotiation)
	viper.SetDefault("edc.transfer", defaults.EDC.Transfer)
	viper.SetDefault("edc.delay_ms", defaults.EDC.DelayMS)
	viper.SetDefault("edc.request_timeout_s", defaults.EDC.RequestTimeoutS)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .passport-consumer/config.yaml (current directory)
		// 2. ~/.config/passport-consumer/config.yaml (user config)
		if _, err := os.Stat(".passport-consumer/config.yaml"); err == nil {
			viper.SetConfigFile(".passport-consumer/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "passport-consumer"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .passport-consumer/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".passport-consumer/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
