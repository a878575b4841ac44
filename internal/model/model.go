// Package model holds the persisted state types shared by the store, the
// lifecycle tracker, and the event log: runs, step logs, and step events,
// together with their status enumerations.
package model

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCanceling RunStatus = "canceling"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further run transition is legal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further step transition is legal.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// WorkflowRun is one execution instance of a workflow definition. It is
// created pending, mutated only by the lifecycle tracker, and immutable
// once terminal.
type WorkflowRun struct {
	RunID          string            `json:"run_id"`
	DefinitionName string            `json:"definition_name"`
	Status         RunStatus         `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy, so stores can hand out rows without aliasing
// their internal state.
func (r *WorkflowRun) Clone() *WorkflowRun {
	out := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// StepLog is the authoritative status row for one (run, step) pair. It
// transitions exactly once into a terminal status.
type StepLog struct {
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (l *StepLog) Clone() *StepLog {
	out := *l
	if l.StartedAt != nil {
		t := *l.StartedAt
		out.StartedAt = &t
	}
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// StepEvent is one append-only progress record. Seq is assigned by the
// store at append time and is strictly increasing per store; events are
// never updated or deleted.
type StepEvent struct {
	Seq       int64             `json:"seq"`
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id"`
	Substep   string            `json:"substep,omitempty"`
	Status    string            `json:"status"`
	Current   int               `json:"current,omitempty"`
	Total     int               `json:"total,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Clone returns a deep copy.
func (e *StepEvent) Clone() *StepEvent {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
