package config

import (
	"fmt"
	"strings"
)

// Document is a configuration document as written by users.
type Document struct {
	// Schema is an optional schema URI; it is not interpreted.
	Schema string `yaml:"$schema,omitempty" json:"$schema,omitempty"`

	// Properties holds the document body.
	Properties Properties `yaml:"properties" json:"properties"`
}

// Properties is the body of a configuration document.
type Properties struct {
	// ConfigurationVersion is the document format version (e.g., "0.2.0").
	ConfigurationVersion string `yaml:"configurationVersion" json:"configurationVersion" validate:"required"`

	// Assertions are units that only verify state. They run before resources.
	Assertions []Resource `yaml:"assertions,omitempty" json:"assertions,omitempty" validate:"dive"`

	// Resources are the units to apply, in declaration order.
	Resources []Resource `yaml:"resources,omitempty" json:"resources,omitempty" validate:"dive"`

	// Parameters and Variables are recognized only to be rejected.
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Variables  map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Resource is one unit declaration. A resource with Units is a group.
type Resource struct {
	// Type is the unit type (e.g., "file", "builtin/echo").
	Type string `yaml:"resource" json:"resource" validate:"required"`

	// ID is the identifier other units reference in DependsOn.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// DependsOn lists identifiers of units that must be processed first.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// Directives control how the unit is processed.
	Directives Directives `yaml:"directives,omitempty" json:"directives,omitempty"`

	// Settings is the desired state handed to the unit processor.
	Settings map[string]interface{} `yaml:"settings,omitempty" json:"settings,omitempty"`

	// Units are the children of a group resource.
	Units []Resource `yaml:"units,omitempty" json:"units,omitempty" validate:"dive"`
}

// Directives are per-unit processing hints.
type Directives struct {
	Description     string `yaml:"description,omitempty" json:"description,omitempty"`
	Module          string `yaml:"module,omitempty" json:"module,omitempty"`
	AllowPrerelease bool   `yaml:"allowPrerelease,omitempty" json:"allowPrerelease,omitempty"`

	// Intent overrides the default intent (apply for resources, assert for assertions).
	Intent string `yaml:"intent,omitempty" json:"intent,omitempty" validate:"omitempty,oneof=apply assert inform"`

	// Inactive marks the unit as manually skipped.
	Inactive bool `yaml:"inactive,omitempty" json:"inactive,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "properties.resources.1.resource").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// String formats the error as file:line:column: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError is returned when a document fails to parse or validate.
type LoadError struct {
	File   string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("invalid configuration %s", e.File)
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Errors[0])
	}
	return fmt.Sprintf("invalid configuration: %s (and %d more errors)", e.Errors[0], len(e.Errors)-1)
}
