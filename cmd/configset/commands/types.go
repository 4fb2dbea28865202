package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTypesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the unit types served by the loaded providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := opts.newRuntime(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			types := rt.registry.Types()
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), types)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tPROVIDER\tDESCRIPTION")
			for _, info := range types {
				provider, _, _ := rt.registry.Lookup(info.Name)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, provider.Name(), info.Description)
			}
			return tw.Flush()
		},
	}
}
