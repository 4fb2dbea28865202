package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testSet(units ...*engine.ConfigurationUnit) *engine.ConfigurationSet {
	set := &engine.ConfigurationSet{Name: "workstation", Units: units}
	set.AssignInstanceIDs()
	return set
}

func commandUnit(id string, apply ...interface{}) *engine.ConfigurationUnit {
	return &engine.ConfigurationUnit{
		Identifier: id,
		Type:       "command",
		Settings: map[string]interface{}{
			"apply": apply,
		},
		Metadata: map[string]interface{}{"description": "runs " + id},
	}
}

func hasViolation(violations []PolicyViolation, policy, unit string) bool {
	for _, v := range violations {
		if v.Policy == policy && v.Unit == unit {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"command-safety",
		"prerelease",
		"remote-hosts",
		"unit-descriptions",
		"unit-identifiers",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Policy %s should be marked built-in", name)
		}
	}

	p, err := eng.GetPolicy("unit-descriptions")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("unit-descriptions should be disabled by default")
	}
}

func TestNewEngine_UnknownMode(t *testing.T) {
	if _, err := NewEngine(zerolog.Nop(), WithMode("strict")); err == nil {
		t.Fatal("Expected error for unknown mode")
	}
}

func TestEvaluateSet_CleanSet(t *testing.T) {
	eng := newTestEngine(t, WithEnvironment("production"))

	set := testSet(
		commandUnit("git", "apt-get", "install", "-y", "git"),
		&engine.ConfigurationUnit{
			Identifier: "motd",
			Type:       "file",
			Settings:   map[string]interface{}{"path": "/etc/motd", "content": "hi"},
		},
	)

	result, err := eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected set to be allowed, got violations: %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %+v", result.Warnings)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Expected no evaluation errors, got %v", result.Errors)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluateSet_IdentifierWarning(t *testing.T) {
	eng := newTestEngine(t)

	set := testSet(commandUnit("install git", "apt-get", "install", "git"))

	result, err := eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Warnings should not block the set")
	}
	if !hasViolation(result.Warnings, "unit-identifiers", "install git") {
		t.Errorf("Expected unit-identifiers warning, got %+v", result.Warnings)
	}
	for _, w := range result.Warnings {
		if w.Severity != SeverityWarning {
			t.Errorf("Expected warning severity, got %s", w.Severity)
		}
	}
}

func TestEvaluateSet_DestructiveCommand(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		unit        *engine.ConfigurationUnit
		wantBlocked bool
	}{
		{
			name:        "destructive in production",
			environment: "production",
			unit:        commandUnit("wipe", "rm", "-rf", "/"),
			wantBlocked: true,
		},
		{
			name:        "destructive in staging",
			environment: "staging",
			unit:        commandUnit("wipe", "rm", "-rf", "/"),
			wantBlocked: false,
		},
		{
			name:        "inactive unit",
			environment: "production",
			unit: func() *engine.ConfigurationUnit {
				u := commandUnit("wipe", "mkfs", "/dev/sdb")
				u.Inactive = true
				return u
			}(),
			wantBlocked: false,
		},
		{
			name:        "assert intent",
			environment: "production",
			unit: func() *engine.ConfigurationUnit {
				u := commandUnit("wipe", "mkfs", "/dev/sdb")
				u.Intent = engine.IntentAssert
				return u
			}(),
			wantBlocked: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, WithEnvironment(tt.environment))

			result, err := eng.EvaluateSet(context.Background(), testSet(tt.unit))
			if err != nil {
				t.Fatalf("EvaluateSet failed: %v", err)
			}
			if result.Allowed == tt.wantBlocked {
				t.Errorf("Allowed = %v, want %v (violations %+v)", result.Allowed, !tt.wantBlocked, result.Violations)
			}
			if tt.wantBlocked {
				if !hasViolation(result.Violations, "command-safety", "wipe") {
					t.Errorf("Expected command-safety violation, got %+v", result.Violations)
				}
				if result.Violations[0].Severity != SeverityCritical {
					t.Errorf("Expected critical severity, got %s", result.Violations[0].Severity)
				}
			}
		})
	}
}

func TestEvaluateSet_NestedRemoteUnit(t *testing.T) {
	eng := newTestEngine(t, WithEnvironment("production"))

	group := &engine.ConfigurationUnit{
		Identifier: "servers",
		Type:       "group",
		IsGroup:    true,
		Units: []*engine.ConfigurationUnit{
			{
				Identifier: "web",
				Type:       "remote/command",
				Settings: map[string]interface{}{
					"apply": []interface{}{"systemctl", "restart", "nginx"},
				},
				Metadata: map[string]interface{}{"description": "restart nginx"},
			},
			{
				Identifier: "db",
				Type:       "remote/file",
				Settings: map[string]interface{}{
					"host":                     "db.internal",
					"insecure_ignore_host_key": true,
				},
			},
		},
	}

	result, err := eng.EvaluateSet(context.Background(), testSet(group))
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected set to be blocked")
	}
	if !hasViolation(result.Violations, "remote-hosts", "web") {
		t.Errorf("Expected missing host violation for web, got %+v", result.Violations)
	}
	if !hasViolation(result.Violations, "remote-hosts", "db") {
		t.Errorf("Expected host key violation for db, got %+v", result.Violations)
	}
	for _, v := range result.Violations {
		if v.Unit == "db" && v.Severity != SeverityCritical {
			t.Errorf("Severity override not applied: %s", v.Severity)
		}
	}
}

func TestEvaluate_Gate(t *testing.T) {
	set := testSet(commandUnit("format", "mkfs.ext4", "/dev/sdb1"))

	eng := newTestEngine(t, WithEnvironment("production"))
	err := eng.Evaluate(context.Background(), set)

	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected *DeniedError, got %v", err)
	}
	if len(denied.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(denied.Violations))
	}
	if !strings.Contains(err.Error(), "command-safety") {
		t.Errorf("Error should name the policy: %v", err)
	}
	if !strings.Contains(err.Error(), "unit format") {
		t.Errorf("Error should name the unit: %v", err)
	}

	advisory := newTestEngine(t, WithEnvironment("production"), WithMode(ModeAdvisory))
	if err := advisory.Evaluate(context.Background(), set); err != nil {
		t.Errorf("Advisory mode should not block: %v", err)
	}
}

func TestEvaluate_GateInProcessor(t *testing.T) {
	eng := newTestEngine(t, WithEnvironment("production"))

	factory := engine.SetProcessorFactoryFunc(func(ctx context.Context, set *engine.ConfigurationSet) (engine.SetProcessor, error) {
		t.Fatal("Set processor should not be created for a denied set")
		return nil, nil
	})
	processor := engine.NewProcessor(factory, engine.WithGate(eng))

	_, err := processor.ApplySet(context.Background(), testSet(commandUnit("wipe", "rm", "-rf", "/")))
	if err == nil {
		t.Fatal("Expected policy denial")
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("Expected POLICY_DENIED engine error, got %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Errorf("Denial should be wrapped in the engine error: %v", err)
	}
}

func TestEvaluateSet_NilSet(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluateSet(context.Background(), nil); !errors.Is(err, engine.ErrNilSet) {
		t.Errorf("Expected ErrNilSet, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	set := testSet(&engine.ConfigurationUnit{Identifier: "echo", Type: "builtin/echo"})

	result, err := eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if hasViolation(result.Warnings, "unit-descriptions", "echo") {
		t.Fatal("Disabled policy produced a warning")
	}

	if err := eng.EnablePolicy("unit-descriptions"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}

	result, err = eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if !hasViolation(result.Warnings, "unit-descriptions", "echo") {
		t.Errorf("Expected unit-descriptions info, got %+v", result.Warnings)
	}
	if !result.Allowed {
		t.Error("Info violations should not block")
	}

	if err := eng.DisablePolicy("missing"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound, got %v", err)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "no-echo",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.echo

import rego.v1

deny contains msg if {
	some unit in input.set.units
	unit.type == "builtin/echo"
	msg := sprintf("echo unit %s is not allowed", [unit.identifier])
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	result, err := eng.EvaluateSet(context.Background(), testSet(&engine.ConfigurationUnit{Identifier: "hello", Type: "builtin/echo"}))
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected set to be blocked")
	}
	v := result.Violations[0]
	if v.Policy != "no-echo" || v.Message != "echo unit hello is not allowed" {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if v.Unit != "" {
		t.Errorf("String deny entries carry no unit, got %q", v.Unit)
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name: "broken",
		Rego: "package broken\n\ndeny[msg] {\n",
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); !errors.Is(err, ErrPolicyNotFound) {
		t.Error("Broken policy should not be registered")
	}
}

func TestSetData(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "allowed-types",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.types

import rego.v1

deny contains violation if {
	some unit in input.set.units
	not unit.is_group
	not unit.type in data.external.allowed_types
	violation := {"message": sprintf("type %s is not allowed", [unit.type]), "unit": unit.identifier}
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	set := testSet(&engine.ConfigurationUnit{Identifier: "motd", Type: "file"})

	if err := eng.SetData(context.Background(), map[string]interface{}{
		"allowed_types": []interface{}{"builtin/echo"},
	}); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	result, err := eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if !hasViolation(result.Violations, "allowed-types", "motd") {
		t.Fatalf("Expected allowed-types violation, got %+v", result.Violations)
	}

	if err := eng.SetData(context.Background(), map[string]interface{}{
		"allowed_types": []interface{}{"builtin/echo", "file"},
	}); err != nil {
		t.Fatalf("SetData replace failed: %v", err)
	}
	result, err = eng.EvaluateSet(context.Background(), set)
	if err != nil {
		t.Fatalf("EvaluateSet failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected set to be allowed after data update, got %+v", result.Violations)
	}
}

func TestReplaceLoaded(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "custom",
		Severity: SeverityInfo,
		Enabled:  true,
		Rego:     "package custom.empty\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n",
	}
	if err := eng.ReplaceLoaded(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplaceLoaded failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err != nil {
		t.Fatalf("custom policy missing: %v", err)
	}

	if err := eng.DisablePolicy("prerelease"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.ReplaceLoaded(ctx, nil); err != nil {
		t.Fatalf("ReplaceLoaded failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); !errors.Is(err, ErrPolicyNotFound) {
		t.Error("custom policy should have been dropped")
	}
	p, err := eng.GetPolicy("prerelease")
	if err != nil {
		t.Fatalf("built-in policy dropped: %v", err)
	}
	if p.Enabled {
		t.Error("built-in enablement should survive a replace")
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	p, _ = eng.GetPolicy("prerelease")
	if !p.Enabled {
		t.Error("ReloadPolicies should restore built-in defaults")
	}
}

func TestNewSetInput(t *testing.T) {
	set := testSet(
		&engine.ConfigurationUnit{
			Identifier: "tools",
			Type:       "configset/AssertionsGroup",
			IsGroup:    true,
			Intent:     engine.IntentAssert,
			Units: []*engine.ConfigurationUnit{
				{Identifier: "os", Type: "builtin/echo", Dependencies: []string{"x"}},
			},
		},
	)

	in := newSetInput(set)
	if len(in.Units) != 2 {
		t.Fatalf("Expected 2 flattened units, got %d", len(in.Units))
	}
	if in.Units[0].Depth != 0 || in.Units[1].Depth != 1 {
		t.Errorf("Unexpected depths: %d, %d", in.Units[0].Depth, in.Units[1].Depth)
	}
	if in.Units[1].Parent != "tools" {
		t.Errorf("Expected parent tools, got %q", in.Units[1].Parent)
	}
	if in.Units[0].Intent != "assert" {
		t.Errorf("Expected assert intent, got %s", in.Units[0].Intent)
	}
	if in.Units[0].Dependencies == nil || in.Units[0].Settings == nil || in.Units[0].Metadata == nil {
		t.Error("Unit collections should never be nil")
	}
}
