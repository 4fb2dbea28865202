package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/configset/pkg/stores"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(context.Background(), t, args...)
}

func executeContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, logs bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetIn(strings.NewReader(""))

	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func writeDocument(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "site.yaml")
	if err := os.WriteFile(path, []byte("properties:\n  configurationVersion: 0.2.0\n"+body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyTestAndHistory(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state", "history.db")
	motd := filepath.Join(dir, "motd")

	doc := writeDocument(t, dir, `  resources:
    - resource: file
      id: motd
      directives:
        description: Message of the day
      settings:
        path: `+motd+`
        content: "hello\n"
    - resource: command
      id: marker
      dependsOn: [motd]
      settings:
        test: [test, -f, `+motd+`]
`)

	out, err := execute(t, "--history-db", db, "apply", doc)
	if err != nil {
		t.Fatalf("apply error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 applied, 1 unchanged") {
		t.Errorf("apply output missing summary:\n%s", out)
	}
	data, err := os.ReadFile(motd)
	if err != nil || string(data) != "hello\n" {
		t.Fatalf("motd = %q, %v", data, err)
	}

	out, err = execute(t, "--history-db", db, "test", doc)
	if err != nil {
		t.Fatalf("test error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 unchanged") {
		t.Errorf("test output missing summary:\n%s", out)
	}

	out, err = execute(t, "--history-db", db, "--json", "history", "list")
	if err != nil {
		t.Fatalf("history list error = %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("history list output is not JSON: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	var applyRun string
	for _, run := range runs {
		if run.Mode == "apply" {
			applyRun = run.ID
		}
	}
	if applyRun == "" {
		t.Fatalf("no apply run recorded: %+v", runs)
	}

	out, err = execute(t, "--history-db", db, "history", "show", "--events", applyRun)
	if err != nil {
		t.Fatalf("history show error = %v", err)
	}
	for _, want := range []string{"motd", "marker", "completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("history show output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "--history-db", db, "history", "show", "no-such-run"); err == nil {
		t.Error("history show of unknown run succeeded")
	}

	out, err = execute(t, "--history-db", db, "history", "prune", "--older-than", "1h")
	if err != nil || !strings.Contains(out, "pruned 0 runs") {
		t.Errorf("prune = %q, %v", out, err)
	}
}

func TestApplyFailureExitCode(t *testing.T) {
	doc := writeDocument(t, t.TempDir(), `  resources:
    - resource: builtin/echo
      id: broken
      settings:
        value: b
        failApply: disk full
    - resource: builtin/echo
      id: after
      dependsOn: [broken]
      settings:
        value: a
`)

	out, err := execute(t, "apply", doc)
	if err == nil {
		t.Fatalf("apply succeeded:\n%s", out)
	}
	if code := ExitCode(err); code != 2 {
		t.Errorf("ExitCode() = %d, want 2", code)
	}
	if !strings.Contains(out, "disk full") || !strings.Contains(out, "1 skipped, 1 failed") {
		t.Errorf("apply output:\n%s", out)
	}
}

func TestTestReportsDrift(t *testing.T) {
	doc := writeDocument(t, t.TempDir(), `  resources:
    - resource: builtin/echo
      id: greeting
      settings:
        value: hello
`)

	out, err := execute(t, "--json", "test", doc)
	if ExitCode(err) != 2 {
		t.Fatalf("test error = %v, want exit code 2", err)
	}
	if !strings.Contains(out, `"test_result": "negative"`) {
		t.Errorf("test output:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	valid := writeDocument(t, dir, `  resources:
    - resource: builtin/echo
      id: a
      settings:
        value: x
    - resource: builtin/echo
      id: b
      dependsOn: [a]
      settings:
        value: y
`)
	out, err := execute(t, "validate", valid)
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "site is valid: 2 units") {
		t.Errorf("validate output:\n%s", out)
	}

	missing := writeDocument(t, dir, `  resources:
    - resource: builtin/echo
      id: a
      dependsOn: [ghost]
      settings:
        value: x
`)
	out, err = execute(t, "validate", missing)
	if ExitCode(err) != 2 {
		t.Fatalf("validate error = %v, want exit code 2", err)
	}
	if !strings.Contains(out, "ghost") {
		t.Errorf("validate output does not name the missing dependency:\n%s", out)
	}

	badSettings := writeDocument(t, dir, `  resources:
    - resource: file
      id: f
      settings:
        content: no path
`)
	out, err = execute(t, "--json", "validate", badSettings)
	if ExitCode(err) != 2 {
		t.Fatalf("validate error = %v, want exit code 2", err)
	}
	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("validate output is not JSON: %v\n%s", err, out)
	}
	if report.Valid || len(report.Problems) == 0 || !strings.Contains(report.Problems[0], "properties.resources.0.settings") {
		t.Errorf("report = %+v", report)
	}
}

func TestGraph(t *testing.T) {
	doc := writeDocument(t, t.TempDir(), `  resources:
    - resource: builtin/echo
      id: second
      dependsOn: [first]
      settings:
        value: x
    - resource: builtin/echo
      id: first
      settings:
        value: y
`)

	out, err := execute(t, "graph", "--format", "order", doc)
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "first") || !strings.Contains(lines[1], "second") {
		t.Errorf("order = %q", lines)
	}

	out, err = execute(t, "graph", doc)
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	if !strings.HasPrefix(out, "digraph ConfigurationSet {") {
		t.Errorf("dot output:\n%s", out)
	}

	if _, err := execute(t, "graph", "--format", "svg", doc); err == nil {
		t.Error("graph accepted an unknown format")
	}
}

func TestTypes(t *testing.T) {
	out, err := execute(t, "types")
	if err != nil {
		t.Fatalf("types error = %v", err)
	}
	for _, want := range []string{"builtin/echo", "command", "file", "script", "remote/command", "remote/file"} {
		if !strings.Contains(out, want) {
			t.Errorf("types output missing %s:\n%s", want, out)
		}
	}
}

func TestHistoryRequiresDatabase(t *testing.T) {
	t.Setenv("CONFIGSET_HISTORY_DB", "")
	if _, err := execute(t, "history", "list"); err == nil || !strings.Contains(err.Error(), "no history database") {
		t.Errorf("history list error = %v", err)
	}
}

func TestApplyCancelledPrintsPartialResult(t *testing.T) {
	dir := t.TempDir()
	started := filepath.Join(dir, "started")
	doc := writeDocument(t, dir, `  resources:
    - resource: command
      id: slow
      settings:
        test: [sh, -c, "touch `+started+`; sleep 1"]
    - resource: builtin/echo
      id: never
      dependsOn: [slow]
      settings:
        value: x
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(started); err == nil {
				cancel()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	out, err := executeContext(ctx, t, "--json", "apply", doc)
	if code := ExitCode(err); code != 2 {
		t.Fatalf("apply error = %v (exit %d), want exit code 2\n%s", err, code, out)
	}

	var result struct {
		Cancelled   bool `json:"cancelled"`
		UnitResults []struct {
			Unit struct {
				Identifier string `json:"identifier"`
			} `json:"unit"`
		} `json:"unit_results"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("apply output is not JSON: %v\n%s", err, out)
	}
	if !result.Cancelled {
		t.Error("result is not marked cancelled")
	}
	if len(result.UnitResults) != 1 || result.UnitResults[0].Unit.Identifier != "slow" {
		t.Errorf("unit results = %+v, want only the in-flight unit", result.UnitResults)
	}
}

// syncBuffer is a bytes.Buffer safe for a running command and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, logs *syncBuffer, text string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(logs.String(), text) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in logs:\n%s", text, logs.String())
}

func TestApplyEveryReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	policies := filepath.Join(dir, "policies")
	if err := os.MkdirAll(policies, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(policies, "names.rego"), []byte(`package site.names

import rego.v1

deny contains msg if {
	some unit in input.set.units
	unit.identifier == "forbidden"
	msg := "forbidden unit"
}
`), 0o644); err != nil {
		t.Fatal(err)
	}

	doc := writeDocument(t, dir, `  resources:
    - resource: builtin/echo
      id: greeting
      settings:
        value: hello
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	logs := &syncBuffer{}
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs([]string{"--policy-dir", policies, "apply", "--every", "50ms", doc})
	cmd.SetOut(&out)
	cmd.SetErr(logs)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitFor(t, logs, "Waiting for next run")

	if err := os.WriteFile(filepath.Join(policies, "freeze.rego"), []byte(`package site.freeze

import rego.v1

deny contains {"message": "changes are frozen", "severity": "error"} if {
	true
}
`), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, logs, "rejected by policy")
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the last run to report the policy denial")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("apply --every did not stop after cancellation")
	}

	if !strings.Contains(out.String(), "1 applied") {
		t.Errorf("first run output missing:\n%s", out.String())
	}
}

func TestEveryRejectsStdin(t *testing.T) {
	_, err := execute(t, "apply", "--every", "1m", "-")
	if err == nil || !strings.Contains(err.Error(), "stdin") {
		t.Errorf("apply --every - error = %v", err)
	}
}
