package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/configset/pkg/engine"
)

const workstationYAML = `
$schema: https://example.com/configuration.schema.json
properties:
  configurationVersion: 0.2.0
  assertions:
    - resource: builtin/echo
      id: os
      settings:
        value: linux
  resources:
    - resource: file
      id: motd
      dependsOn: [os]
      directives:
        description: Message of the day
        allowPrerelease: true
      settings:
        path: /tmp/motd
        content: hello
    - resource: configset/AssertionsGroup
      id: checks
      units:
        - resource: builtin/echo
          id: inner
    - resource: command
      id: optional
      directives:
        inactive: true
        intent: inform
`

func TestLoader_LoadYAML(t *testing.T) {
	loader := NewLoader(nil)

	set, err := loader.Load(context.Background(), "configs/workstation.yaml", FormatYAML, []byte(workstationYAML))
	if err != nil {
		t.Fatalf("failed to load configuration: %v", err)
	}

	if set.Name != "workstation" {
		t.Errorf("expected set name 'workstation', got %s", set.Name)
	}
	if set.InstanceID == "" {
		t.Error("expected set instance ID to be assigned")
	}
	if set.Metadata["configurationVersion"] != "0.2.0" {
		t.Errorf("expected configurationVersion 0.2.0, got %v", set.Metadata["configurationVersion"])
	}
	if set.Metadata["source"] != "configs/workstation.yaml" {
		t.Errorf("unexpected source %v", set.Metadata["source"])
	}
	if len(set.Units) != 4 {
		t.Fatalf("expected 4 units, got %d", len(set.Units))
	}

	osUnit := set.Units[0]
	if osUnit.Identifier != "os" || osUnit.Intent != engine.IntentAssert {
		t.Errorf("expected assertion unit 'os', got %s (%s)", osUnit.Identifier, osUnit.Intent)
	}
	if osUnit.Settings["value"] != "linux" {
		t.Errorf("expected settings to be carried, got %v", osUnit.Settings)
	}

	motd := set.Units[1]
	if motd.Intent != engine.IntentApply {
		t.Errorf("expected apply intent, got %s", motd.Intent)
	}
	if len(motd.Dependencies) != 1 || motd.Dependencies[0] != "os" {
		t.Errorf("expected dependency on os, got %v", motd.Dependencies)
	}
	if motd.Metadata["description"] != "Message of the day" || motd.Metadata["allowPrerelease"] != true {
		t.Errorf("unexpected metadata %v", motd.Metadata)
	}
	if motd.InstanceID == "" {
		t.Error("expected unit instance ID to be assigned")
	}

	checks := set.Units[2]
	if !checks.IsGroup || len(checks.Units) != 1 {
		t.Fatalf("expected group with one child, got group=%v children=%d", checks.IsGroup, len(checks.Units))
	}
	if !engine.IsAssertionsGroup(checks.Type) {
		t.Errorf("expected assertions group type, got %s", checks.Type)
	}
	if checks.Units[0].Identifier != "inner" || checks.Units[0].InstanceID == "" {
		t.Errorf("unexpected child %+v", checks.Units[0])
	}

	optional := set.Units[3]
	if optional.IsActive() {
		t.Error("expected inactive unit")
	}
	if optional.Intent != engine.IntentInform {
		t.Errorf("expected inform intent, got %s", optional.Intent)
	}
	if optional.IsGroup {
		t.Error("expected leaf unit")
	}
}

func TestLoader_LoadCUE(t *testing.T) {
	loader := NewLoader(nil)

	content := `
properties: {
	configurationVersion: "0.2.0"
	resources: [
		{resource: "builtin/echo", id: "a"},
		{
			resource:  "builtin/echo"
			id:        "b"
			dependsOn: ["a"]
			settings: value: "hi"
		},
	]
}
`

	set, err := loader.Load(context.Background(), "inline.cue", FormatCUE, []byte(content))
	if err != nil {
		t.Fatalf("failed to load configuration: %v", err)
	}

	if len(set.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(set.Units))
	}
	if set.Units[1].Dependencies[0] != "a" {
		t.Errorf("expected dependency on a, got %v", set.Units[1].Dependencies)
	}
	if set.Units[1].Settings["value"] != "hi" {
		t.Errorf("expected settings to decode, got %v", set.Units[1].Settings)
	}
}

func TestLoader_Invalid(t *testing.T) {
	loader := NewLoader(nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		format  Format
		content string
	}{
		{
			name:    "empty document",
			format:  FormatYAML,
			content: "{}",
		},
		{
			name:   "missing version",
			format: FormatYAML,
			content: `
properties:
  resources:
    - resource: file
`,
		},
		{
			name:   "unknown resource field",
			format: FormatYAML,
			content: `
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: file
      bogus: true
`,
		},
		{
			name:   "bad intent",
			format: FormatYAML,
			content: `
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: file
      directives:
        intent: destroy
`,
		},
		{
			name:   "bad resource type",
			format: FormatYAML,
			content: `
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: "not a type"
`,
		},
		{
			name:   "dependsOn not a list",
			format: FormatYAML,
			content: `
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: file
      dependsOn: other
`,
		},
		{
			name:    "invalid YAML syntax",
			format:  FormatYAML,
			content: "properties: [unclosed",
		},
		{
			name:    "invalid CUE syntax",
			format:  FormatCUE,
			content: "properties: {",
		},
		{
			name:    "unknown format",
			format:  Format("toml"),
			content: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(ctx, "test", tt.format, []byte(tt.content))
			if err == nil {
				t.Fatal("expected error, got none")
			}

			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected *LoadError, got %T: %v", err, err)
			}
			if len(loadErr.Errors) == 0 {
				t.Error("expected at least one validation error")
			}
			for _, ve := range loadErr.Errors {
				if ve.Severity != "error" {
					t.Errorf("expected error severity, got %s", ve.Severity)
				}
			}
		})
	}
}

func TestLoader_RejectsParametersAndVariables(t *testing.T) {
	loader := NewLoader(nil)

	for _, section := range []string{"parameters", "variables"} {
		content := `
properties:
  configurationVersion: 0.2.0
  ` + section + `:
    name: value
`
		_, err := loader.Load(context.Background(), "test.yaml", FormatYAML, []byte(content))
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("expected ErrUnsupported for %s, got %v", section, err)
		}
	}
}

func TestLoader_SettingsSchema(t *testing.T) {
	schemas := NewSchemaRegistry()
	err := schemas.RegisterSchema(SettingsSchemaName("file"), `
#FileSettings: {
	path:     string
	content?: string
}
`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	loader := NewLoader(schemas)

	content := `
properties:
  configurationVersion: 0.2.0
  resources:
    - resource: builtin/echo
    - resource: configset/AssertionsGroup
      units:
        - resource: file
          settings:
            content: no path
`

	_, err = loader.Load(context.Background(), "test.yaml", FormatYAML, []byte(content))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if len(loadErr.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(loadErr.Errors))
	}
	if got := loadErr.Errors[0].Path; got != "properties.resources.1.units.0.settings" {
		t.Errorf("unexpected error path %s", got)
	}
}

func TestLoader_ValidatorErrors(t *testing.T) {
	loader := NewLoader(nil)

	doc := &Document{Properties: Properties{
		Resources: []Resource{{ID: "x", Directives: Directives{Intent: "destroy"}}},
	}}

	err := loader.validator.Struct(doc)
	if err == nil {
		t.Fatal("expected struct validation to fail")
	}

	verrs := convertValidatorErrors("doc.yaml", err)
	if len(verrs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(verrs), verrs)
	}

	var paths []string
	for _, ve := range verrs {
		paths = append(paths, ve.Path)
	}
	joined := strings.Join(paths, ",")
	for _, want := range []string{"ConfigurationVersion", "Resources[0].Type", "Resources[0].Directives.Intent"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected a path containing %s, got %s", want, joined)
		}
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev-box.yml")
	if err := os.WriteFile(path, []byte(workstationYAML), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	loader := NewLoader(nil)
	set, err := loader.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load file: %v", err)
	}
	if set.Name != "dev-box" {
		t.Errorf("expected set name 'dev-box', got %s", set.Name)
	}

	if _, err := loader.LoadFile(context.Background(), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	set, err = loader.LoadReader(context.Background(), "-", FormatYAML, strings.NewReader(workstationYAML))
	if err != nil {
		t.Fatalf("failed to load from reader: %v", err)
	}
	if set.Name != "stdin" {
		t.Errorf("expected set name 'stdin', got %s", set.Name)
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"a.yaml":       FormatYAML,
		"a.yml":        FormatYAML,
		"a.json":       FormatYAML,
		"a.cue":        FormatCUE,
		"dir/B.CUE":    FormatCUE,
		"no-extension": FormatYAML,
	}
	for path, want := range tests {
		if got := FormatForPath(path); got != want {
			t.Errorf("FormatForPath(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestValidationError_String(t *testing.T) {
	ve := ValidationError{File: "a.yaml", Line: 3, Column: 5, Path: "properties", Message: "bad"}
	if got := ve.String(); got != "a.yaml:3:5: properties: bad" {
		t.Errorf("unexpected string %q", got)
	}

	err := &LoadError{File: "a.yaml", Errors: []ValidationError{ve, ve}}
	if !strings.Contains(err.Error(), "and 1 more errors") {
		t.Errorf("unexpected error %q", err.Error())
	}
}
