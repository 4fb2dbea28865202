package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/configset/pkg/engine"
	"gopkg.in/yaml.v3"
)

// ErrUnsupported is returned for document features the loader rejects.
var ErrUnsupported = errors.New("unsupported configuration feature")

// Format is the syntax of a configuration document.
type Format string

const (
	// FormatYAML covers YAML and JSON documents.
	FormatYAML Format = "yaml"

	// FormatCUE covers CUE documents.
	FormatCUE Format = "cue"
)

// FormatForPath picks the format from a file extension. Anything that is
// not .cue is read as YAML, which includes JSON.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return FormatCUE
	}
	return FormatYAML
}

// SettingsSchemaName returns the registry name of a unit type's settings schema.
func SettingsSchemaName(unitType string) string {
	return "settings:" + strings.ToLower(unitType)
}

// Loader reads configuration documents and converts them to configuration sets.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader. A nil registry gets the built-in schemas only.
func NewLoader(schemas *SchemaRegistry) *Loader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Loader{
		schemas:   schemas,
		validator: validator.New(),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadFile reads a document from disk. The set is named after the file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*engine.ConfigurationSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	return l.Load(ctx, path, FormatForPath(path), data)
}

// LoadReader reads a document from r.
func (l *Loader) LoadReader(ctx context.Context, source string, format Format, r io.Reader) (*engine.ConfigurationSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", source, err)
	}
	return l.Load(ctx, source, format, data)
}

// Load parses, validates and converts a document. Validation problems are
// reported together in a *LoadError.
func (l *Loader) Load(ctx context.Context, source string, format Format, data []byte) (*engine.ConfigurationSet, error) {
	doc, err := l.Parse(ctx, source, format, data)
	if err != nil {
		return nil, err
	}

	set := doc.ToSet(setName(source))
	set.Metadata["source"] = source
	return set, nil
}

// Parse parses and validates a document without converting it.
func (l *Loader) Parse(ctx context.Context, source string, format Format, data []byte) (*Document, error) {
	doc, verrs := l.decode(source, format, data)
	if len(verrs) > 0 {
		return nil, &LoadError{File: source, Errors: verrs}
	}

	if len(doc.Properties.Parameters) > 0 {
		return nil, fmt.Errorf("%w: parameters in %s", ErrUnsupported, source)
	}
	if len(doc.Properties.Variables) > 0 {
		return nil, fmt.Errorf("%w: variables in %s", ErrUnsupported, source)
	}

	if err := l.validator.Struct(doc); err != nil {
		return nil, &LoadError{File: source, Errors: convertValidatorErrors(source, err)}
	}

	if verrs := l.checkSettings(ctx, source, doc); len(verrs) > 0 {
		return nil, &LoadError{File: source, Errors: verrs}
	}

	return doc, nil
}

// decode checks the raw document against the document schema, then decodes it.
func (l *Loader) decode(source string, format Format, data []byte) (*Document, []ValidationError) {
	doc := &Document{}

	switch format {
	case FormatCUE:
		var decodeErr error
		err := l.schemas.check(DocumentSchema, func(ctx *cue.Context) cue.Value {
			val := ctx.CompileBytes(data, cue.Filename(source))
			if val.Err() == nil {
				decodeErr = val.Decode(doc)
			}
			return val
		})
		if err != nil {
			return nil, convertCUEErrors(source, err)
		}
		if decodeErr != nil {
			return nil, []ValidationError{{File: source, Message: decodeErr.Error(), Severity: "error"}}
		}

	case FormatYAML:
		file, err := cueyaml.Extract(source, data)
		if err != nil {
			return nil, convertCUEErrors(source, err)
		}
		err = l.schemas.check(DocumentSchema, func(ctx *cue.Context) cue.Value {
			return ctx.BuildFile(file)
		})
		if err != nil {
			return nil, convertCUEErrors(source, err)
		}
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, []ValidationError{{File: source, Message: err.Error(), Severity: "error"}}
		}

	default:
		return nil, []ValidationError{{File: source, Message: fmt.Sprintf("unknown format %q", format), Severity: "error"}}
	}

	return doc, nil
}

// checkSettings validates unit settings against registered settings schemas.
func (l *Loader) checkSettings(ctx context.Context, source string, doc *Document) []ValidationError {
	var verrs []ValidationError

	var walk func(path string, resources []Resource)
	walk = func(path string, resources []Resource) {
		for i, r := range resources {
			p := path + "." + strconv.Itoa(i)
			name := SettingsSchemaName(r.Type)
			if l.schemas.HasSchema(name) {
				settings := r.Settings
				if settings == nil {
					settings = map[string]interface{}{}
				}
				if err := l.schemas.ValidateAgainstSchema(ctx, name, settings); err != nil {
					verrs = append(verrs, ValidationError{
						File:     source,
						Path:     p + ".settings",
						Message:  err.Error(),
						Severity: "error",
					})
				}
			}
			walk(p+".units", r.Units)
		}
	}

	walk("properties.assertions", doc.Properties.Assertions)
	walk("properties.resources", doc.Properties.Resources)
	return verrs
}

// ToSet converts the document to a configuration set with fresh instance IDs.
func (d *Document) ToSet(name string) *engine.ConfigurationSet {
	set := &engine.ConfigurationSet{
		Name: name,
		Metadata: map[string]interface{}{
			"configurationVersion": d.Properties.ConfigurationVersion,
		},
	}

	for _, r := range d.Properties.Assertions {
		set.Units = append(set.Units, r.toUnit(engine.IntentAssert))
	}
	for _, r := range d.Properties.Resources {
		set.Units = append(set.Units, r.toUnit(engine.IntentApply))
	}

	set.AssignInstanceIDs()
	return set
}

func (r Resource) toUnit(defaultIntent engine.Intent) *engine.ConfigurationUnit {
	unit := &engine.ConfigurationUnit{
		Identifier:   r.ID,
		Type:         r.Type,
		Intent:       defaultIntent,
		IsGroup:      r.Units != nil,
		Dependencies: r.DependsOn,
		Inactive:     r.Directives.Inactive,
		Settings:     r.Settings,
	}
	if r.Directives.Intent != "" {
		unit.Intent = engine.Intent(r.Directives.Intent)
	}

	metadata := map[string]interface{}{}
	if r.Directives.Description != "" {
		metadata["description"] = r.Directives.Description
	}
	if r.Directives.Module != "" {
		metadata["module"] = r.Directives.Module
	}
	if r.Directives.AllowPrerelease {
		metadata["allowPrerelease"] = true
	}
	if len(metadata) > 0 {
		unit.Metadata = metadata
	}

	for _, child := range r.Units {
		unit.Units = append(unit.Units, child.toUnit(engine.IntentApply))
	}
	return unit
}

func setName(source string) string {
	base := filepath.Base(source)
	if base == "." || base == string(filepath.Separator) || source == "-" {
		return "stdin"
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// convertCUEErrors converts CUE errors to ValidationError slice, preferring
// positions inside the document over positions inside the schema.
func convertCUEErrors(source string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     source,
			Path:     strings.Join(e.Path(), "."),
			Severity: "error",
		}

		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)

		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == source {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}

		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

// convertValidatorErrors converts struct tag failures to ValidationError slice.
func convertValidatorErrors(source string, err error) []ValidationError {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []ValidationError{{File: source, Message: err.Error(), Severity: "error"}}
	}

	validationErrors := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		validationErrors = append(validationErrors, ValidationError{
			File:     source,
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: "error",
		})
	}
	return validationErrors
}
