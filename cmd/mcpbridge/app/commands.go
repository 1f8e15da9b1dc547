// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpbridge command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcpbridge/pkg/bridge/config"
	"github.com/stacklok/mcpbridge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mcpbridge",
	DisableAutoGenTag: true,
	Short:             "MCP bridge - manage sessions to multiple MCP servers",
	Long: `mcpbridge maintains long-lived sessions to multiple MCP (Model Context
Protocol) servers and routes tool calls through a single pipeline. It provides:

- Session lifecycle management with health probing and bounded auto-reconnect
- Qualified capability names aggregated across servers
- Permission policy, result caching and call tracing on every tool call
- Optional post-processing of oversized results`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcpbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to bridge configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTraceCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.NewYAMLLoader(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the bridge configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Server name and transport correctness
- Cache exclusion and permission rule patterns
- Duration and threshold values`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return err
			}

			enabled := 0
			for _, s := range cfg.Servers {
				if s.Descriptor().Enabled {
					enabled++
				}
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Prefix: %s", cfg.Prefix)
			logger.Infof("  Servers: %d configured, %d enabled", len(cfg.Servers), enabled)
			logger.Infof("  Cache: %d entries, TTL %s", cfg.Cache.MaxEntries, cfg.Cache.TTL)
			if cfg.Trace.SQLitePath != "" {
				logger.Infof("  Trace sink: %s", cfg.Trace.SQLitePath)
			}
			if cfg.Permissions != nil {
				logger.Infof("  Permission rules: %d defined", len(cfg.Permissions.Rules))
			}
			return nil
		},
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for mcpbridge",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcpbridge version: %s", getVersion())
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}
