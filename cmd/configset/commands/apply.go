package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/spf13/cobra"
)

func newApplyCommand(opts *options) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Bring every unit of a configuration set into its desired state",
		Long: `Apply a configuration document.

This command:
  - Loads and validates the document (use - for stdin)
  - Evaluates the policy gate
  - Tests each unit in dependency order and applies the ones that drift
  - Skips the dependents of failed units
  - Records the run when --history-db is set

With --every the document is reloaded and applied again at that interval
until the command is interrupted, and policy files are reloaded as they
change. The exit status is 2 when any unit failed in the last run.`,
		Example: `  # Apply a document
  configset apply site.yaml

  # Apply with run history and JSON output
  configset apply --history-db ~/.configset/history.db --json site.yaml

  # Keep the machine converged, re-applying every ten minutes
  configset apply --every 10m --policy-dir ./policies site.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0], engine.RunModeApply, every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the run at this interval until interrupted")
	return cmd
}

func newTestCommand(opts *options) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "test FILE",
		Short: "Report which units of a configuration set are out of their desired state",
		Long: `Test a configuration document without changing anything.

Every unit is tested; none is applied. The exit status is 2 when a unit
is not in its desired state or could not be tested. With --every the test
repeats at that interval until the command is interrupted.`,
		Example: `  configset test site.yaml
  configset test --every 5m --metrics-addr :9090 site.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0], engine.RunModeTest, every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the run at this interval until interrupted")
	return cmd
}

// run processes one document in the given mode, once or every interval.
// Interrupting the command cancels the current run; units already started
// finish first.
func (o *options) run(cmd *cobra.Command, path string, mode engine.RunMode, every time.Duration) error {
	if every < 0 {
		return fmt.Errorf("--every must not be negative")
	}
	if every > 0 && path == "-" {
		return fmt.Errorf("--every cannot reread a document from stdin")
	}
	ctx := cmd.Context()

	rt, err := o.newRuntime(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	rt.store, err = o.openHistory(ctx)
	if err != nil {
		return err
	}

	if err := rt.telemetry.StartMetricsServer(ctx); err != nil {
		return err
	}

	if every == 0 {
		return o.runOnce(cmd, rt, path, mode)
	}

	logger := rt.telemetry.Logger.Zerolog()
	if len(o.policyPaths) > 0 {
		if err := rt.gate.Watch(ctx, o.policyPaths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
		defer func() { _ = rt.gate.StopWatching() }()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		err = o.runOnce(cmd, rt, path, mode)
		if err != nil && ExitCode(err) != 2 {
			// Load and gate failures are retried on the next tick.
			logger.Error().Err(err).Msg("Run did not complete")
		}
		if ctx.Err() != nil {
			return err
		}

		logger.Info().Dur("every", every).Msg("Waiting for next run")
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}

func (o *options) runOnce(cmd *cobra.Command, rt *runtime, path string, mode engine.RunMode) error {
	ctx := cmd.Context()

	set, err := rt.loadSet(ctx, path, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("%s", describeLoadError(err))
	}

	logger := rt.telemetry.Logger.Zerolog()
	logger.Info().
		Str("set", set.Name).
		Str("mode", string(mode)).
		Int("units", len(set.Units)).
		Msg("Processing configuration set")

	processor := engine.NewProcessor(rt.registry, rt.processorOptions()...)

	runCtx := rt.telemetry.WithContext(context.WithoutCancel(ctx))

	var op *engine.Operation
	if mode == engine.RunModeTest {
		op = processor.TestSetAsync(runCtx, set)
	} else {
		op = processor.ApplySetAsync(runCtx, set)
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Warn().Str("run_id", op.ID()).Msg("Interrupted, cancelling run")
			op.Cancel()
		case <-op.Done():
		}
	}()

	result, err := op.Wait(context.Background())
	if err != nil && !(errors.Is(err, engine.ErrOperationCancelled) && result != nil) {
		return err
	}

	if err := o.printResult(cmd.OutOrStdout(), set, mode, result); err != nil {
		return err
	}

	if failed(mode, result) {
		return &exitError{
			code: 2,
			err:  fmt.Errorf("configuration set %s: %s", set.Name, summary(mode, result)),
		}
	}
	return nil
}

// failed reports whether a run should exit non-zero.
func failed(mode engine.RunMode, result *engine.ApplySetResult) bool {
	if !result.ResultCode.Succeeded() || result.Cancelled {
		return true
	}
	if mode == engine.RunModeTest {
		for _, ur := range result.UnitResults {
			if ur.TestResult == engine.TestResultNegative || ur.TestResult == engine.TestResultFailed {
				return true
			}
		}
	}
	return false
}
