// Package store defines the persistence interface for workflow runs,
// step logs, and the append-only step event log, plus the three shipped
// implementations: in-memory, SQLite, and Redis.
package store

import (
	"context"
	"errors"

	"github.com/vk/flowgrid/internal/model"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the store.
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrStepNotFound is returned when a (run, step) pair is unknown.
	ErrStepNotFound = errors.New("step log not found")
)

// EventFilter selects step events for a paginated query. Zero values mean
// "no constraint"; Limit of 0 means unlimited.
type EventFilter struct {
	RunID    string
	StepID   string
	Status   string
	AfterSeq int64
	Limit    int
}

// Store persists runs, step logs, and step events. Implementations must
// be safe for concurrent use. Update methods apply the mutation and
// append any paired events as one atomic unit, so a state transition and
// its event are never observably split.
type Store interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error)
	UpdateRun(ctx context.Context, runID string, update func(*model.WorkflowRun) error, events ...*model.StepEvent) (*model.WorkflowRun, error)

	CreateStepLogs(ctx context.Context, logs []*model.StepLog) error
	GetStepLog(ctx context.Context, runID, stepID string) (*model.StepLog, error)
	ListStepLogs(ctx context.Context, runID string) ([]*model.StepLog, error)
	UpdateStepLog(ctx context.Context, runID, stepID string, update func(*model.StepLog) error, events ...*model.StepEvent) (*model.StepLog, error)

	// AppendEvent assigns the event's Seq and appends it. Events are
	// immutable once appended.
	AppendEvent(ctx context.Context, event *model.StepEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*model.StepEvent, error)

	Close() error
}

// withContext short-circuits an operation when its context is already
// canceled.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// matches reports whether an event passes the filter, Seq aside.
func (f EventFilter) matches(e *model.StepEvent) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.StepID != "" && e.StepID != f.StepID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if e.Seq <= f.AfterSeq {
		return false
	}
	return true
}
