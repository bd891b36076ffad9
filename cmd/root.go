// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the tagrouter command-line interface: a query router
// that answers questions from a PostgreSQL database, a document index or a
// general-purpose model, run in-process or as a gRPC server.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tagrouter/cli/internal/config"
	"tagrouter/cli/internal/logging"
)

var (
	showVersion bool
	configPath  string
	logLevel    string
	logFormat   string

	// cfg is loaded once before any subcommand runs.
	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tagrouter",
	Short: "Route questions to a database, a knowledge base or a chat model",
	Long: `tagrouter answers natural-language questions by routing each one to the source
best suited to answer it: read-only SQL against your PostgreSQL database, a search
over indexed documents, or a general chat model. Repeated questions are answered
from a semantic cache.

Run 'tagrouter connect' once to store credentials, 'tagrouter index --sample' to
seed the knowledge base, then 'tagrouter ask' or 'tagrouter serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}
		logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("tagrouter %s\n", Version)
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the CLI application.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errReported) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, strings.TrimRight(logging.PresentError("Error", err), "\n"))
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default: $XDG_CONFIG_HOME/tagrouter/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}
