package engine

import (
	"time"

	"github.com/google/uuid"
)

// Intent describes what the engine should do with a unit.
type Intent string

const (
	// IntentApply tests the unit and applies it when it is not in the desired state.
	IntentApply Intent = "apply"

	// IntentAssert only tests the unit; a negative test fails the unit.
	IntentAssert Intent = "assert"

	// IntentInform only reads the unit's current settings.
	IntentInform Intent = "inform"
)

// ConfigurationUnit is one declarative desired-state operation. A unit with
// IsGroup set carries its children in Units.
type ConfigurationUnit struct {
	// Identifier names the unit for dependency references. It may be empty.
	Identifier string `json:"identifier,omitempty"`

	// Type names the resource kind handled by a unit processor.
	Type string `json:"type"`

	// InstanceID uniquely identifies this unit instance.
	InstanceID string `json:"instance_id"`

	// Intent selects the processing mode. Empty means IntentApply.
	Intent Intent `json:"intent,omitempty"`

	// IsGroup marks the unit as a container for Units.
	IsGroup bool `json:"is_group,omitempty"`

	// Units are the ordered children of a group unit.
	Units []*ConfigurationUnit `json:"units,omitempty"`

	// Dependencies are identifiers of units that must be processed first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Inactive marks the unit as manually skipped.
	Inactive bool `json:"inactive,omitempty"`

	// Settings is the desired state handed to the unit processor.
	Settings map[string]interface{} `json:"settings,omitempty"`

	// Metadata holds directives and other descriptive data.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IsActive reports whether the unit should be processed.
func (u *ConfigurationUnit) IsActive() bool {
	return !u.Inactive
}

// EffectiveIntent returns the unit intent, defaulting to IntentApply.
func (u *ConfigurationUnit) EffectiveIntent() Intent {
	if u.Intent == "" {
		return IntentApply
	}
	return u.Intent
}

// DisplayName returns the identifier, or the type and instance ID for
// anonymous units.
func (u *ConfigurationUnit) DisplayName() string {
	if u.Identifier != "" {
		return u.Identifier
	}
	return u.Type + "[" + u.InstanceID + "]"
}

// ConfigurationSet is an ordered collection of top-level units.
type ConfigurationSet struct {
	// Name is a human-readable name for the set.
	Name string `json:"name,omitempty"`

	// InstanceID uniquely identifies this set instance.
	InstanceID string `json:"instance_id"`

	// Units are the top-level units in declaration order.
	Units []*ConfigurationUnit `json:"units"`

	// Metadata holds document-level data.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AssignInstanceIDs fills empty instance identifiers on the set and every unit.
func (s *ConfigurationSet) AssignInstanceIDs() {
	if s.InstanceID == "" {
		s.InstanceID = uuid.New().String()
	}
	var walk func(units []*ConfigurationUnit)
	walk = func(units []*ConfigurationUnit) {
		for _, u := range units {
			if u == nil {
				continue
			}
			if u.InstanceID == "" {
				u.InstanceID = uuid.New().String()
			}
			walk(u.Units)
		}
	}
	walk(s.Units)
}

// ResultSource attributes a result to the part of the system that produced it.
type ResultSource string

const (
	// ResultSourceNone is used for successful results.
	ResultSourceNone ResultSource = "none"

	// ResultSourceConfigurationSet marks structural defects in the set.
	ResultSourceConfigurationSet ResultSource = "configuration_set"

	// ResultSourcePrecondition marks skips caused by dependencies or deactivation.
	ResultSourcePrecondition ResultSource = "precondition"

	// ResultSourceInternal marks errors raised while invoking a processor.
	ResultSourceInternal ResultSource = "internal"

	// ResultSourceUnitProcessing marks failures reported by a processor.
	ResultSourceUnitProcessing ResultSource = "unit_processing"
)

// ResultInformation describes the outcome of a unit.
// Code is non-zero exactly when Source is not ResultSourceNone.
type ResultInformation struct {
	Code        ResultCode   `json:"code"`
	Description string       `json:"description,omitempty"`
	Details     string       `json:"details,omitempty"`
	Source      ResultSource `json:"source"`
}

// Succeeded reports whether the result carries no error.
func (r ResultInformation) Succeeded() bool {
	return r.Code.Succeeded()
}

// newResult builds result information with the given code and source.
func newResult(code ResultCode, source ResultSource) ResultInformation {
	return ResultInformation{Code: code, Source: source}
}

// normalizeResult enforces the code/source pairing on collaborator results.
func normalizeResult(r ResultInformation, defaultSource ResultSource) ResultInformation {
	if r.Code.Succeeded() {
		return ResultInformation{Source: ResultSourceNone, Description: r.Description}
	}
	if r.Source == "" || r.Source == ResultSourceNone {
		r.Source = defaultSource
	}
	return r
}

// TestResult is the outcome of testing a unit against its desired state.
type TestResult string

const (
	// TestResultUnknown means the unit was not tested.
	TestResultUnknown TestResult = ""

	// TestResultPositive means the unit is already in the desired state.
	TestResultPositive TestResult = "positive"

	// TestResultNegative means the unit is not in the desired state.
	TestResultNegative TestResult = "negative"

	// TestResultFailed means the test itself failed.
	TestResultFailed TestResult = "failed"
)

// ApplyUnitResult is the per-unit entry of an ApplySetResult.
type ApplyUnitResult struct {
	Unit                     *ConfigurationUnit     `json:"unit"`
	State                    UnitState              `json:"state"`
	PreviouslyInDesiredState bool                   `json:"previously_in_desired_state"`
	RebootRequired           bool                   `json:"reboot_required"`
	ResultInformation        ResultInformation      `json:"result_information"`
	TestResult               TestResult             `json:"test_result,omitempty"`
	Settings                 map[string]interface{} `json:"settings,omitempty"`
}

// ApplySetResult is the outcome of applying or testing a configuration set.
type ApplySetResult struct {
	// RunID identifies the run that produced this result.
	RunID string `json:"run_id"`

	// ResultCode is the overall code; zero when every unit succeeded.
	ResultCode ResultCode `json:"result_code"`

	// TestResult is the aggregate test outcome for test runs.
	TestResult TestResult `json:"test_result,omitempty"`

	// UnitResults holds one entry per unit in processing order.
	UnitResults []*ApplyUnitResult `json:"unit_results"`

	// Cancelled is set when the run stopped before every unit was processed.
	Cancelled bool `json:"cancelled,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// UnitResult returns the result entry for the unit with the given identifier.
func (r *ApplySetResult) UnitResult(identifier string) *ApplyUnitResult {
	key := normalizeIdentifier(identifier)
	for _, ur := range r.UnitResults {
		if ur.Unit != nil && normalizeIdentifier(ur.Unit.Identifier) == key {
			return ur
		}
	}
	return nil
}

// EventKind distinguishes the two kinds of progress events.
type EventKind string

const (
	// EventSetStateChanged reports a set-level state change.
	EventSetStateChanged EventKind = "set_state_changed"

	// EventUnitStateChanged reports a unit-level state change.
	EventUnitStateChanged EventKind = "unit_state_changed"
)

// ProgressEvent is a single entry in a run's ordered progress stream.
type ProgressEvent struct {
	// Sequence is the zero-based position in the stream.
	Sequence int `json:"sequence"`

	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// SetState is populated for EventSetStateChanged.
	SetState SetState `json:"set_state,omitempty"`

	// Unit, UnitState and ResultInformation are populated for EventUnitStateChanged.
	Unit              *ConfigurationUnit `json:"unit,omitempty"`
	UnitState         UnitState          `json:"unit_state,omitempty"`
	ResultInformation ResultInformation  `json:"result_information"`
}
