package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/vk/flowgrid/internal/model"
)

// SQLiteStore is the canonical durable implementation of Store, backed by
// a single SQLite database file. State transitions and their paired
// events commit in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id          TEXT PRIMARY KEY,
	definition_name TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	finished_at     TIMESTAMP,
	metadata        TEXT
);
CREATE TABLE IF NOT EXISTS step_logs (
	run_id      TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	error       TEXT,
	PRIMARY KEY (run_id, step_id)
);
CREATE TABLE IF NOT EXISTS step_events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	step_id   TEXT NOT NULL,
	substep   TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL,
	current   INTEGER NOT NULL DEFAULT 0,
	total     INTEGER NOT NULL DEFAULT 0,
	message   TEXT NOT NULL DEFAULT '',
	metadata  TEXT,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_logs_run ON step_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_step_events_run ON step_events(run_id, seq);
`

// NewSQLiteStore opens (creating if necessary) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The scheduling loop is the sole writer; a single connection keeps
	// transactions serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	metadata, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, definition_name, status, created_at, finished_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.DefinitionName, string(run.Status), run.CreatedAt, nullTime(run.FinishedAt), metadata)
	return err
}

// GetRun retrieves a run row by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, definition_name, status, created_at, finished_at, metadata
		 FROM workflow_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recently created runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error) {
	query := `SELECT run_id, definition_name, status, created_at, finished_at, metadata
		 FROM workflow_runs ORDER BY created_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRun applies the mutation and appends any paired events in a
// single transaction.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, update func(*model.WorkflowRun) error, events ...*model.StepEvent) (*model.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT run_id, definition_name, status, created_at, finished_at, metadata
		 FROM workflow_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := update(run); err != nil {
		return nil, err
	}

	metadata, err := marshalMetadata(run.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, finished_at = ?, metadata = ? WHERE run_id = ?`,
		string(run.Status), nullTime(run.FinishedAt), metadata, runID); err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// CreateStepLogs inserts the given step rows in one transaction.
func (s *SQLiteStore) CreateStepLogs(ctx context.Context, logs []*model.StepLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, log := range logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_logs (run_id, step_id, status, started_at, finished_at, error)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			log.RunID, log.StepID, string(log.Status), nullTime(log.StartedAt), nullTime(log.FinishedAt), log.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetStepLog retrieves one step row.
func (s *SQLiteStore) GetStepLog(ctx context.Context, runID, stepID string) (*model.StepLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, step_id, status, started_at, finished_at, error
		 FROM step_logs WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanStepLog(row)
}

// ListStepLogs returns every step row for a run.
func (s *SQLiteStore) ListStepLogs(ctx context.Context, runID string) ([]*model.StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, started_at, finished_at, error
		 FROM step_logs WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StepLog
	for rows.Next() {
		log, err := scanStepLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// UpdateStepLog applies the mutation and appends any paired events in a
// single transaction.
func (s *SQLiteStore) UpdateStepLog(ctx context.Context, runID, stepID string, update func(*model.StepLog) error, events ...*model.StepEvent) (*model.StepLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT run_id, step_id, status, started_at, finished_at, error
		 FROM step_logs WHERE run_id = ? AND step_id = ?`, runID, stepID)
	log, err := scanStepLog(row)
	if err != nil {
		return nil, err
	}
	if err := update(log); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE step_logs SET status = ?, started_at = ?, finished_at = ?, error = ? WHERE run_id = ? AND step_id = ?`,
		string(log.Status), nullTime(log.StartedAt), nullTime(log.FinishedAt), log.Error, runID, stepID); err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return log, nil
}

// AppendEvent appends a single event, assigning its Seq.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *model.StepEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertEvents(ctx, tx, []*model.StepEvent{event}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns events matching the filter in seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*model.StepEvent, error) {
	query := `SELECT seq, run_id, step_id, substep, status, current, total, message, metadata, timestamp
		 FROM step_events WHERE seq > ?`
	args := []any{filter.AfterSeq}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StepEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// insertEvents appends events inside an open transaction, assigning each
// event the AUTOINCREMENT sequence the insert produced.
func insertEvents(ctx context.Context, tx *sql.Tx, events []*model.StepEvent) error {
	for _, event := range events {
		metadata, err := marshalMetadata(event.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO step_events (run_id, step_id, substep, status, current, total, message, metadata, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.RunID, event.StepID, event.Substep, event.Status, event.Current, event.Total, event.Message, metadata, event.Timestamp)
		if err != nil {
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		event.Seq = seq
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	var status string
	var finishedAt sql.NullTime
	var metadata sql.NullString
	if err := sc.Scan(&run.RunID, &run.DefinitionName, &status, &run.CreatedAt, &finishedAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if err := unmarshalMetadata(metadata, &run.Metadata); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanStepLog(sc scanner) (*model.StepLog, error) {
	var log model.StepLog
	var status string
	var startedAt, finishedAt sql.NullTime
	var errMsg sql.NullString
	if err := sc.Scan(&log.RunID, &log.StepID, &status, &startedAt, &finishedAt, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	log.Status = model.StepStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		log.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		log.FinishedAt = &t
	}
	log.Error = errMsg.String
	return &log, nil
}

func scanEvent(sc scanner) (*model.StepEvent, error) {
	var event model.StepEvent
	var metadata sql.NullString
	if err := sc.Scan(&event.Seq, &event.RunID, &event.StepID, &event.Substep, &event.Status,
		&event.Current, &event.Total, &event.Message, &metadata, &event.Timestamp); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadata, &event.Metadata); err != nil {
		return nil, err
	}
	return &event, nil
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString, into *map[string]string) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), into)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
