// Package commands implements the trueup command line interface.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Global flags
var (
	configPath string
	logLevel   string
	logFormat  string
)

// Execute runs the root command with the given build metadata.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		zlog.Error().Err(err).Msg("Command failed")
		return err
	}
	return nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trueup",
		Short: "TrueUp - declarative state enforcement engine",
		Long: `TrueUp enforces declared infrastructure state through an idempotent
orchestration engine.

Features:
  - YAML and Starlark state sources with requisite ordering
  - CUE-validated resource parameters
  - WASM plugin providers with capability gating
  - SSH transport for remote enforcement
  - Reconciliation with pluggable pending predicates and wait policies
  - Enforced-state persistence in SQLite
  - Policy gating via OPA/rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applyGlobalLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDescribeCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// applyGlobalLogging configures the package-global zerolog logger from the
// persistent flags. Component loggers built by the telemetry layer carry
// their own settings; this covers everything logging through zerolog/log.
func applyGlobalLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if logFormat != "json" {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
