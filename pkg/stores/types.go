package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
)

// RunStatus represents the status of a recorded run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel represents the severity level of a progress event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one apply or test run of a configuration set
type Run struct {
	ID            string            `json:"id"`
	SetName       string            `json:"set_name"`
	SetInstanceID string            `json:"set_instance_id"`
	Mode          engine.RunMode    `json:"mode"`
	Status        RunStatus         `json:"status"`
	ResultCode    engine.ResultCode `json:"result_code"`
	TestResult    engine.TestResult `json:"test_result,omitempty"`
	UnitCount     int               `json:"unit_count"`
	Cancelled     bool              `json:"cancelled"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Error         *string           `json:"error,omitempty"`
	Metadata      string            `json:"metadata"` // JSON blob
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// UnitResult is the persisted outcome of one unit in a run
type UnitResult struct {
	ID                       int64               `json:"id"`
	RunID                    string              `json:"run_id"`
	Position                 int                 `json:"position"`
	Identifier               string              `json:"identifier"`
	InstanceID               string              `json:"instance_id"`
	Type                     string              `json:"type"`
	Intent                   engine.Intent       `json:"intent"`
	IsGroup                  bool                `json:"is_group"`
	State                    engine.UnitState    `json:"state"`
	ResultCode               engine.ResultCode   `json:"result_code"`
	ResultSource             engine.ResultSource `json:"result_source"`
	Description              string              `json:"description,omitempty"`
	Details                  string              `json:"details,omitempty"`
	TestResult               engine.TestResult   `json:"test_result,omitempty"`
	PreviouslyInDesiredState bool                `json:"previously_in_desired_state"`
	RebootRequired           bool                `json:"reboot_required"`
	Settings                 *string             `json:"settings,omitempty"` // JSON blob
}

// Event is one entry of a run's progress stream
type Event struct {
	ID             int64               `json:"id"`
	RunID          string              `json:"run_id"`
	Sequence       int                 `json:"sequence"`
	Kind           engine.EventKind    `json:"kind"`
	Level          EventLevel          `json:"level"`
	SetState       engine.SetState     `json:"set_state,omitempty"`
	UnitIdentifier *string             `json:"unit_identifier,omitempty"`
	UnitInstanceID *string             `json:"unit_instance_id,omitempty"`
	UnitType       *string             `json:"unit_type,omitempty"`
	UnitState      engine.UnitState    `json:"unit_state,omitempty"`
	ResultCode     engine.ResultCode   `json:"result_code"`
	ResultSource   engine.ResultSource `json:"result_source"`
	Details        string              `json:"details,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Store defines the interface for the run history persistence layer
type Store interface {
	engine.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Unit result operations
	ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error)

	// Event operations
	GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
