package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/policy"
	"github.com/spf13/cobra"
)

// validationReport is the JSON output of validate.
type validationReport struct {
	Valid    bool                 `json:"valid"`
	Set      string               `json:"set,omitempty"`
	Units    int                  `json:"units"`
	Order    []string             `json:"order,omitempty"`
	Defects  []engine.ResultCode  `json:"defects,omitempty"`
	Problems []string             `json:"problems,omitempty"`
	Policy   *policy.PolicyResult `json:"policy,omitempty"`
}

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a configuration document without processing it",
		Long: `Validate a configuration document.

This command checks:
  - Document syntax and structure
  - Unit settings against provider schemas
  - Identifiers and dependencies (duplicates, missing, cycles)
  - Policy compliance (Rego)`,
		Example: `  configset validate site.yaml
  configset validate --policy-dir ./policies --environment production site.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := opts.newRuntime(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			report := rt.validate(ctx, args[0], cmd.InOrStdin())
			if err := opts.printValidation(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return &exitError{code: 2, err: fmt.Errorf("%s is not valid", args[0])}
			}
			return nil
		},
	}
}

func (rt *runtime) validate(ctx context.Context, path string, stdin io.Reader) *validationReport {
	report := &validationReport{}

	set, err := rt.loadSet(ctx, path, stdin)
	if err != nil {
		report.Problems = append(report.Problems, describeLoadError(err))
		return report
	}
	report.Set = set.Name
	report.Units = countUnits(set.Units)

	graph, err := engine.BuildGraph(set)
	if err != nil {
		report.Problems = append(report.Problems, err.Error())
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			report.Defects = append(report.Defects, verr.Code)
			for _, d := range verr.Defects {
				problem := fmt.Sprintf("%s: %s", d.Unit.DisplayName(), d.Result.Code)
				if d.Result.Details != "" {
					problem += " (" + d.Result.Details + ")"
				}
				report.Problems = append(report.Problems, problem)
			}
		}
	} else {
		for _, u := range graph.Order() {
			report.Order = append(report.Order, u.DisplayName())
		}
	}

	result, err := rt.gate.EvaluateSet(ctx, set)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("policy evaluation failed: %v", err))
	} else {
		report.Policy = result
		if !result.Allowed {
			for _, v := range result.Violations {
				report.Problems = append(report.Problems, fmt.Sprintf("policy %s: %s", v.Policy, v.Message))
			}
		}
	}

	report.Valid = len(report.Problems) == 0
	return report
}

func countUnits(units []*engine.ConfigurationUnit) int {
	n := 0
	for _, u := range units {
		if u == nil {
			continue
		}
		n += 1 + countUnits(u.Units)
	}
	return n
}

func (o *options) printValidation(w io.Writer, report *validationReport) error {
	if o.jsonOutput {
		return writeJSON(w, report)
	}

	if report.Policy != nil {
		for _, v := range report.Policy.Warnings {
			fmt.Fprintf(w, "warning: policy %s: %s\n", v.Policy, v.Message)
		}
	}
	if report.Valid {
		_, err := fmt.Fprintf(w, "%s is valid: %d units\n", report.Set, report.Units)
		return err
	}
	for _, p := range report.Problems {
		fmt.Fprintf(w, "error: %s\n", p)
	}
	return nil
}
