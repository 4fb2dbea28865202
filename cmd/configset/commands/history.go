package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/configset/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Inspect the runs recorded in the --history-db database.

Runs are recorded by apply and test when --history-db is set.`,
	}

	cmd.AddCommand(newHistoryListCommand(opts))
	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryPruneCommand(opts))

	return cmd
}

// withHistory opens the store for the duration of fn.
func (o *options) withHistory(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	if o.historyDB == "" {
		return errors.New("no history database configured (set --history-db or CONFIGSET_HISTORY_DB)")
	}
	store, err := o.openHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newHistoryListCommand(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Example: `  configset history list --limit 5
  configset history list --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *stores.RunStatus
			if status != "" {
				s := stores.RunStatus(status)
				filter = &s
			}

			return opts.withHistory(cmd.Context(), func(store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(cmd.Context(), filter, limit, 0)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSET\tMODE\tSTATUS\tRESULT\tUNITS\tSTARTED\tDURATION")
				for _, run := range runs {
					duration := "-"
					if run.CompletedAt != nil {
						duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						run.ID, run.SetName, run.Mode, run.Status, run.ResultCode,
						run.UnitCount, run.StartedAt.Local().Format(time.DateTime), duration)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newHistoryShowCommand(opts *options) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the unit results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withHistory(ctx, func(store *stores.SQLiteStore) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				units, err := store.ListUnitResults(ctx, run.ID)
				if err != nil {
					return err
				}
				var evs []*stores.Event
				if events {
					if evs, err = store.GetEvents(ctx, run.ID, nil, -1, 0); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, struct {
						Run    *stores.Run          `json:"run"`
						Units  []*stores.UnitResult `json:"units"`
						Events []*stores.Event      `json:"events,omitempty"`
					}{run, units, evs})
				}

				fmt.Fprintf(out, "Run %s: %s %s, %s (%s)\n", run.ID, run.Mode, run.SetName, run.Status, run.ResultCode)
				if run.Error != nil {
					fmt.Fprintf(out, "Error: %s\n", *run.Error)
				}
				fmt.Fprintln(out)

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tUNIT\tTYPE\tSTATE\tRESULT\tDETAILS")
				for _, u := range units {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						u.Position, u.Identifier, u.Type, u.State, u.ResultCode,
						strings.Join(strings.Fields(u.Details), " "))
				}
				if err := tw.Flush(); err != nil {
					return err
				}

				if len(evs) > 0 {
					fmt.Fprintln(out)
					for _, ev := range evs {
						subject := string(ev.SetState)
						if ev.UnitIdentifier != nil {
							subject = *ev.UnitIdentifier + " " + string(ev.UnitState)
						}
						fmt.Fprintf(out, "%4d %s %-7s %s\n", ev.Sequence, ev.Timestamp.Local().Format(time.TimeOnly), ev.Level, subject)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "also print the progress events")
	return cmd
}

func newHistoryPruneCommand(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs started before a cutoff",
		Example: `  configset history prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return opts.withHistory(cmd.Context(), func(store *stores.SQLiteStore) error {
				n, err := store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest run to keep")
	return cmd
}
