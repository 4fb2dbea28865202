package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/configset/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run does not exist.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{config: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !isMemory(s.config.Path) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(s.config.Path, "?") {
		sep = "&"
	}
	dsn := s.config.Path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=") + "&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// RecordRunStarted inserts a running run record.
func (s *SQLiteStore) RecordRunStarted(ctx context.Context, run engine.RunInfo) error {
	var setName, setInstanceID string
	var unitCount int
	metadata := "{}"
	if run.Set != nil {
		setName = run.Set.Name
		setInstanceID = run.Set.InstanceID
		unitCount = countUnits(run.Set.Units)
		if len(run.Set.Metadata) > 0 {
			b, err := json.Marshal(run.Set.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode set metadata: %w", err)
			}
			metadata = string(b)
		}
	}

	now := time.Now().UTC()
	startedAt := run.StartedAt.UTC()
	if run.StartedAt.IsZero() {
		startedAt = now
	}

	query := `
		INSERT INTO runs (id, set_name, set_instance_id, mode, status, unit_count, started_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, setName, setInstanceID, run.Mode, RunStatusRunning, unitCount, startedAt, metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// RecordProgress appends one progress event to the run's event log.
func (s *SQLiteStore) RecordProgress(ctx context.Context, runID string, event engine.ProgressEvent) error {
	var identifier, instanceID, unitType *string
	if event.Unit != nil {
		identifier = &event.Unit.Identifier
		instanceID = &event.Unit.InstanceID
		unitType = &event.Unit.Type
	}

	ts := event.Timestamp.UTC()
	if event.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO progress_events (run_id, sequence, kind, level, set_state, unit_identifier, unit_instance_id,
			unit_type, unit_state, result_code, result_source, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	info := event.ResultInformation
	_, err := s.db.ExecContext(ctx, query,
		runID, event.Sequence, event.Kind, eventLevel(event), event.SetState, identifier, instanceID,
		unitType, event.UnitState, info.Code, sourceOrNone(info.Source), info.Details, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// RecordRunCompleted stores the final run outcome and its unit results in
// one transaction.
func (s *SQLiteStore) RecordRunCompleted(ctx context.Context, runID string, result *engine.ApplySetResult, runErr error) error {
	status := RunStatusCompleted
	switch {
	case result != nil && result.Cancelled:
		status = RunStatusCancelled
	case runErr != nil:
		status = RunStatusFailed
	case result != nil && !result.ResultCode.Succeeded():
		status = RunStatusFailed
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	now := time.Now().UTC()
	completedAt := now
	var code engine.ResultCode
	var testResult engine.TestResult
	var cancelled bool
	if result != nil {
		code = result.ResultCode
		testResult = result.TestResult
		cancelled = result.Cancelled
		if !result.CompletedAt.IsZero() {
			completedAt = result.CompletedAt.UTC()
		}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	query := `
		UPDATE runs
		SET status = ?, result_code = ?, test_result = ?, cancelled = ?, completed_at = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := tx.ExecContext(ctx, query, status, code, testResult, cancelled, completedAt, errMsg, now, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if result != nil {
		for i, ur := range result.UnitResults {
			if err := insertUnitResult(ctx, tx, runID, i, ur); err != nil {
				return err
			}
		}
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	return nil
}

func insertUnitResult(ctx context.Context, tx *sql.Tx, runID string, position int, ur *engine.ApplyUnitResult) error {
	var identifier, instanceID, unitType string
	var intent engine.Intent
	var isGroup bool
	if ur.Unit != nil {
		identifier = ur.Unit.Identifier
		instanceID = ur.Unit.InstanceID
		unitType = ur.Unit.Type
		intent = ur.Unit.EffectiveIntent()
		isGroup = ur.Unit.IsGroup
	}

	var settings *string
	if ur.Settings != nil {
		b, err := json.Marshal(ur.Settings)
		if err != nil {
			return fmt.Errorf("failed to encode settings for unit %s: %w", identifier, err)
		}
		str := string(b)
		settings = &str
	}

	query := `
		INSERT INTO unit_results (run_id, position, identifier, instance_id, unit_type, intent, is_group, state,
			result_code, result_source, description, details, test_result, previously_in_desired_state,
			reboot_required, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	info := ur.ResultInformation
	_, err := tx.ExecContext(ctx, query,
		runID, position, identifier, instanceID, unitType, intent, isGroup, ur.State,
		info.Code, sourceOrNone(info.Source), info.Description, info.Details, ur.TestResult,
		ur.PreviouslyInDesiredState, ur.RebootRequired, settings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert unit result: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, set_name, set_instance_id, mode, status, result_code, test_result, unit_count, cancelled,
			started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first, with an optional status filter
func (s *SQLiteStore) ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, set_name, set_instance_id, mode, status, result_code, test_result, unit_count, cancelled,
			started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		WHERE (? IS NULL OR status = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.SetName,
		&run.SetInstanceID,
		&run.Mode,
		&run.Status,
		&run.ResultCode,
		&run.TestResult,
		&run.UnitCount,
		&run.Cancelled,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DeleteRun deletes a run together with its unit results and events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// PruneRuns deletes finished runs that started before the given time
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE started_at < ? AND status != ?",
		before.UTC(), RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// ListUnitResults lists the unit results of a run in processing order
func (s *SQLiteStore) ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error) {
	query := `
		SELECT id, run_id, position, identifier, instance_id, unit_type, intent, is_group, state, result_code,
			result_source, description, details, test_result, previously_in_desired_state, reboot_required, settings
		FROM unit_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	results := []*UnitResult{}
	for rows.Next() {
		ur := &UnitResult{}
		err := rows.Scan(
			&ur.ID,
			&ur.RunID,
			&ur.Position,
			&ur.Identifier,
			&ur.InstanceID,
			&ur.Type,
			&ur.Intent,
			&ur.IsGroup,
			&ur.State,
			&ur.ResultCode,
			&ur.ResultSource,
			&ur.Description,
			&ur.Details,
			&ur.TestResult,
			&ur.PreviouslyInDesiredState,
			&ur.RebootRequired,
			&ur.Settings,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		results = append(results, ur)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit results: %w", err)
	}

	return results, nil
}

// GetEvents retrieves a run's events in sequence order with an optional
// level filter and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, sequence, kind, level, set_state, unit_identifier, unit_instance_id, unit_type,
			unit_state, result_code, result_source, details, timestamp
		FROM progress_events
		WHERE run_id = ?
		  AND (? IS NULL OR level = ?)
		ORDER BY sequence ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Sequence,
			&event.Kind,
			&event.Level,
			&event.SetState,
			&event.UnitIdentifier,
			&event.UnitInstanceID,
			&event.UnitType,
			&event.UnitState,
			&event.ResultCode,
			&event.ResultSource,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func countUnits(units []*engine.ConfigurationUnit) int {
	n := 0
	for _, u := range units {
		if u == nil {
			continue
		}
		n++
		n += countUnits(u.Units)
	}
	return n
}

func eventLevel(ev engine.ProgressEvent) EventLevel {
	if ev.ResultInformation.Succeeded() {
		return EventLevelInfo
	}
	if ev.UnitState == engine.UnitStateSkipped {
		return EventLevelWarning
	}
	return EventLevelError
}

func sourceOrNone(src engine.ResultSource) engine.ResultSource {
	if src == "" {
		return engine.ResultSourceNone
	}
	return src
}
