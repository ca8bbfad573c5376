package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/gantry/pkg/config"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

// exitError carries the process exit code of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailed
}

func main() {
	if _, err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	os.Exit(exitCode(rootCmd.ExecuteContext(context.Background())))
}

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "gantry",
	Short:        "gantry: pipeline execution engine",
	Long:         "Runs declarative build/test/release pipelines: stages, parallel branches, approval gates and guaranteed cleanup.",
	SilenceUsage: true,
}

// setup loads the configuration (file, then GANTRY_* variables, then
// flags) and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, nil, fmt.Errorf("environment: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	handler := charmlog.NewWithOptions(cmd.ErrOrStderr(), charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	return cfg, slog.New(handler), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gantry %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the engine configuration (default: ./gantry.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	schemaCmd.AddCommand(schemaExportCmd)
	traceCmd.AddCommand(traceVerifyCmd)

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(versionCmd)
}
