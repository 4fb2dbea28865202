package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Unit is the identifier of the offending unit, if any.
	Unit string `json:"unit,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the run may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block runs.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the input document seen by policies as input.
type PolicyInput struct {
	// Set is the configuration set being evaluated.
	Set *SetInput `json:"set"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// SetInput is the policy view of a configuration set. Units are flattened in
// declaration order, parents before children.
type SetInput struct {
	Name       string                 `json:"name"`
	InstanceID string                 `json:"instance_id"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Units      []UnitInput            `json:"units"`
}

// UnitInput is the policy view of a configuration unit.
type UnitInput struct {
	Identifier   string                 `json:"identifier"`
	Type         string                 `json:"type"`
	Intent       string                 `json:"intent"`
	IsGroup      bool                   `json:"is_group"`
	Inactive     bool                   `json:"inactive"`
	Parent       string                 `json:"parent,omitempty"`
	Depth        int                    `json:"depth"`
	Dependencies []string               `json:"dependencies"`
	Settings     map[string]interface{} `json:"settings"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name" yaml:"name"`

	// Version is the bundle version.
	Version string `json:"version" yaml:"version"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies" yaml:"policies"`
}

// DeniedError is returned by the gate when blocking violations were found.
type DeniedError struct {
	Violations []PolicyViolation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Unit != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s (unit %s)", v.Policy, v.Message, v.Unit))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return fmt.Sprintf("denied by %d policy violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// newSetInput flattens a set into its policy view.
func newSetInput(set *engine.ConfigurationSet) *SetInput {
	in := &SetInput{
		Name:       set.Name,
		InstanceID: set.InstanceID,
		Metadata:   set.Metadata,
		Units:      []UnitInput{},
	}

	var walk func(units []*engine.ConfigurationUnit, parent string, depth int)
	walk = func(units []*engine.ConfigurationUnit, parent string, depth int) {
		for _, u := range units {
			if u == nil {
				continue
			}
			deps := u.Dependencies
			if deps == nil {
				deps = []string{}
			}
			settings := u.Settings
			if settings == nil {
				settings = map[string]interface{}{}
			}
			metadata := u.Metadata
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			in.Units = append(in.Units, UnitInput{
				Identifier:   u.Identifier,
				Type:         u.Type,
				Intent:       string(u.EffectiveIntent()),
				IsGroup:      u.IsGroup,
				Inactive:     u.Inactive,
				Parent:       parent,
				Depth:        depth,
				Dependencies: deps,
				Settings:     settings,
				Metadata:     metadata,
			})
			walk(u.Units, u.DisplayName(), depth+1)
		}
	}
	walk(set.Units, "", 0)

	return in
}
