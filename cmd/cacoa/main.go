// Package main is the entry point for the cacoa server and command line tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/logging"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "cacoa",
		Short: "Cluster-free differential expression between sample conditions",
		Long: `cacoa scores every cell neighborhood of a single-cell dataset for
differential expression between reference and target samples, either as
per-gene z-scores or as a scalar expression shift.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/server.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, zscoreCmd, shiftCmd)
}

// setup loads the configuration and builds the logger shared by all commands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
