package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/joohw/deltasync-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles the loaded config and logger. Created once in
// PersistentPreRunE.
type CLIContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message; the command tree guarantees PersistentPreRunE populated it.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

// newRootCmd builds the fully-assembled root command. Called once from main.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deltasync",
		Short:   "Offline-first key-value store synchronization",
		Long:    "deltasync keeps a local store and a remote store convergent under arbitrary connectivity.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			cfg, err := config.Load(flagConfigPath, logger)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cmd.SetContext(context.WithValue(ctx, cliContextKey{}, &CLIContext{Cfg: cfg, Logger: logger}))

			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&flagConfigPath, "config", "c", "deltasync.toml", "path to the config file")
	flags.BoolVar(&flagJSON, "json", false, "log as JSON")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "info-level logging")
	flags.BoolVar(&flagDebug, "debug", false, "debug-level logging")
	flags.BoolVarP(&flagQuiet, "quiet", "q", false, "error-level logging only")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the CLI flags. JSON output is
// forced by --json and is the default when stderr is not a terminal.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if flagJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
