package engine

import (
	"context"
	"time"
)

// TestSettingsResult is returned by UnitProcessor.TestSettings.
type TestSettingsResult struct {
	// Result is the outcome of the test.
	Result TestResult

	// ResultInformation describes a failed test.
	ResultInformation ResultInformation
}

// ApplySettingsResult is returned by UnitProcessor.ApplySettings.
type ApplySettingsResult struct {
	// RebootRequired indicates the change takes effect after a reboot.
	RebootRequired bool

	// ResultInformation describes a failed apply. Its source defaults to
	// ResultSourceUnitProcessing.
	ResultInformation ResultInformation
}

// UnitProcessor performs get, test and apply for a single unit.
// Errors returned by any method are recorded on the unit with source
// ResultSourceInternal.
type UnitProcessor interface {
	// GetSettings returns the unit's current settings.
	GetSettings(ctx context.Context) (map[string]interface{}, error)

	// TestSettings compares the current state with the desired settings.
	TestSettings(ctx context.Context) (TestSettingsResult, error)

	// ApplySettings brings the unit into the desired state.
	ApplySettings(ctx context.Context) (ApplySettingsResult, error)
}

// GroupUnitResult reports the outcome of one child processed by a GroupProcessor.
type GroupUnitResult struct {
	Unit                     *ConfigurationUnit
	PreviouslyInDesiredState bool
	RebootRequired           bool
	TestResult               TestResult
	ResultInformation        ResultInformation
	Settings                 map[string]interface{}
}

// GroupSettingsResult is returned by the GroupProcessor methods.
type GroupSettingsResult struct {
	// TestResult is the overall group test outcome (TestGroup only).
	TestResult TestResult

	// RebootRequired is set by ApplyGroup when any child requires a reboot.
	RebootRequired bool

	// ResultInformation describes a group-level failure.
	ResultInformation ResultInformation

	// UnitResults reports the children that were processed.
	UnitResults []GroupUnitResult
}

// GroupProcessor processes a group unit and its children as a whole.
type GroupProcessor interface {
	TestGroup(ctx context.Context) (GroupSettingsResult, error)
	ApplyGroup(ctx context.Context) (GroupSettingsResult, error)
	GetGroup(ctx context.Context) (GroupSettingsResult, error)
}

// SetProcessor creates unit processors for the units of one set.
type SetProcessor interface {
	CreateUnitProcessor(ctx context.Context, unit *ConfigurationUnit) (UnitProcessor, error)
}

// GroupProcessorSource is implemented by set processors that can process
// some group units themselves. ok is false when the engine should process
// the group's children directly.
type GroupProcessorSource interface {
	CreateGroupProcessor(ctx context.Context, unit *ConfigurationUnit) (processor GroupProcessor, ok bool, err error)
}

// SetProcessorFactory creates the set processor for a configuration set.
type SetProcessorFactory interface {
	CreateSetProcessor(ctx context.Context, set *ConfigurationSet) (SetProcessor, error)
}

// SetProcessorFactoryFunc adapts a function to SetProcessorFactory.
type SetProcessorFactoryFunc func(ctx context.Context, set *ConfigurationSet) (SetProcessor, error)

// CreateSetProcessor calls f.
func (f SetProcessorFactoryFunc) CreateSetProcessor(ctx context.Context, set *ConfigurationSet) (SetProcessor, error) {
	return f(ctx, set)
}

// Gate decides whether a set may be processed at all. A non-nil error
// aborts the call before any unit is examined.
type Gate interface {
	Evaluate(ctx context.Context, set *ConfigurationSet) error
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID        string
	Mode      RunMode
	Set       *ConfigurationSet
	StartedAt time.Time
}

// Recorder persists run history. Recorder errors are logged and never
// change the outcome of a run.
type Recorder interface {
	RecordRunStarted(ctx context.Context, run RunInfo) error
	RecordProgress(ctx context.Context, runID string, event ProgressEvent) error
	RecordRunCompleted(ctx context.Context, runID string, result *ApplySetResult, runErr error) error
}

// Observer receives timing notifications for metrics and tracing. The
// returned contexts carry any span started for the set or unit.
type Observer interface {
	SetStarted(ctx context.Context, run RunInfo) context.Context
	SetCompleted(ctx context.Context, run RunInfo, result *ApplySetResult, duration time.Duration)
	UnitStarted(ctx context.Context, runID string, unit *ConfigurationUnit) context.Context
	UnitCompleted(ctx context.Context, runID string, result *ApplyUnitResult, duration time.Duration)
}
