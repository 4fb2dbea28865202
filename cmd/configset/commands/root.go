package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options holds the persistent flags shared by every command.
type options struct {
	logLevel      string
	logFormat     string
	jsonOutput    bool
	historyDB     string
	policyPaths   []string
	policyMode    string
	environment   string
	metricsAddr   string
	traceExporter string
	traceEndpoint string
	providerDir   string
	scriptTimeout time.Duration
	wasmTimeout   time.Duration
}

// exitError carries the process exit code of a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to a process exit code: 2 when a set ran
// and reported failures, 1 otherwise.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "configset",
		Short: "Apply and test declarative configuration sets",
		Long: `configset reads a configuration document, validates its dependency graph
and drives every unit through test and apply in a deterministic order.

Units are served by providers:
  - builtin/echo and builtin/echoGroup for dry runs
  - command and file on the local machine
  - script units written in Starlark
  - remote/command and remote/file over SSH
  - WebAssembly providers loaded from --provider-dir

Sets pass a Rego policy gate before any unit runs. Runs are recorded in a
SQLite history database when --history-db is set.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.historyDB, "history-db", os.Getenv("CONFIGSET_HISTORY_DB"), "SQLite database recording run history")
	flags.StringSliceVar(&opts.policyPaths, "policy-dir", nil, "policy files or directories (repeatable)")
	flags.StringVar(&opts.policyMode, "policy-mode", "enforce", "policy mode (enforce, advisory)")
	flags.StringVar(&opts.environment, "environment", envOr("CONFIGSET_ENVIRONMENT", "development"), "environment passed to policies")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during a run")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint")
	flags.StringVar(&opts.providerDir, "provider-dir", os.Getenv("CONFIGSET_PROVIDER_DIR"), "directory of WebAssembly provider manifests")
	flags.DurationVar(&opts.scriptTimeout, "script-timeout", 30*time.Second, "time limit for each script function call")
	flags.DurationVar(&opts.wasmTimeout, "wasm-timeout", 30*time.Second, "time limit for each WebAssembly unit call")

	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newTestCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newTypesCommand(opts))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
