package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/configset/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// unitOutcome is the one-word outcome of a unit shown in tables.
func unitOutcome(mode engine.RunMode, ur *engine.ApplyUnitResult) string {
	info := ur.ResultInformation
	switch {
	case ur.State == engine.UnitStateSkipped:
		return "skipped"
	case !info.Succeeded():
		return "failed"
	case ur.PreviouslyInDesiredState:
		return "unchanged"
	case mode == engine.RunModeTest && ur.TestResult == engine.TestResultNegative:
		return "drifted"
	case ur.Unit != nil && ur.Unit.IsGroup:
		return "done"
	case ur.Unit != nil && ur.Unit.Intent == engine.IntentInform:
		return "read"
	case mode == engine.RunModeTest:
		return "ok"
	default:
		return "applied"
	}
}

func (o *options) printResult(w io.Writer, set *engine.ConfigurationSet, mode engine.RunMode, result *engine.ApplySetResult) error {
	if o.jsonOutput {
		return writeJSON(w, result)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tTYPE\tOUTCOME\tRESULT\tDETAILS")
	for _, ur := range result.UnitResults {
		if ur.Unit == nil {
			continue
		}
		outcome := unitOutcome(mode, ur)
		if ur.RebootRequired {
			outcome += " (reboot)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ur.Unit.DisplayName(), ur.Unit.Type, outcome,
			resultText(ur.ResultInformation), detailsText(ur.ResultInformation))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%s %s: %s\n", mode, set.Name, summary(mode, result))
	return err
}

func resultText(info engine.ResultInformation) string {
	if info.Succeeded() {
		return "-"
	}
	return fmt.Sprintf("%s (0x%X)", info.Code, uint32(info.Code))
}

func detailsText(info engine.ResultInformation) string {
	parts := make([]string, 0, 2)
	for _, s := range []string{info.Description, info.Details} {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			parts = append(parts, s)
		}
	}
	text := strings.Join(parts, ": ")
	if len(text) > 100 {
		text = text[:97] + "..."
	}
	return text
}

// summary counts outcomes, e.g. "2 applied, 1 unchanged, 1 failed".
func summary(mode engine.RunMode, result *engine.ApplySetResult) string {
	order := []string{"applied", "ok", "read", "unchanged", "drifted", "done", "skipped", "failed"}
	counts := make(map[string]int)
	for _, ur := range result.UnitResults {
		counts[unitOutcome(mode, ur)]++
	}

	var parts []string
	for _, outcome := range order {
		if n := counts[outcome]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, outcome))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no units")
	}
	if result.Cancelled {
		parts = append(parts, "cancelled")
	}
	if !result.ResultCode.Succeeded() {
		parts = append(parts, "result "+result.ResultCode.String())
	}
	return strings.Join(parts, ", ")
}
