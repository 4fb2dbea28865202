package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/spf13/cobra"
)

func newGraphCommand(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph FILE",
		Short: "Print the dependency graph of a configuration set",
		Example: `  # Render with Graphviz
  configset graph site.yaml | dot -Tsvg > site.svg

  # Print the processing order
  configset graph --format order site.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := opts.newRuntime(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			set, err := rt.loadSet(ctx, args[0], cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("%s", describeLoadError(err))
			}
			graph, err := engine.BuildGraph(set)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "dot":
				_, err = fmt.Fprint(out, graph.ToDOT())
			case "order":
				for i, u := range graph.Order() {
					if _, err = fmt.Fprintf(out, "%d\t%s\t%s\n", i+1, u.DisplayName(), u.Type); err != nil {
						break
					}
				}
			default:
				err = fmt.Errorf("unknown format %q (must be dot or order)", format)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "dot", "output format (dot, order)")
	return cmd
}
