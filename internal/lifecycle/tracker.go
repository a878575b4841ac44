// Package lifecycle owns the run and step state machines. The Tracker is
// the only component that writes status transitions, so every state
// change is checked against the transition tables and paired with its
// event in one atomic store operation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/store"
)

// ErrInvalidTransition is returned when a requested status change is not
// legal from the current status. Use errors.Is to detect it.
var ErrInvalidTransition = errors.New("invalid status transition")

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunPending:   {model.RunRunning: true, model.RunCanceling: true},
	model.RunRunning:   {model.RunCompleted: true, model.RunFailed: true, model.RunCanceling: true},
	model.RunCanceling: {model.RunCanceled: true},
}

var stepTransitions = map[model.StepStatus]map[model.StepStatus]bool{
	// pending -> failed covers steps whose config fails to resolve
	// before dispatch.
	model.StepPending: {model.StepRunning: true, model.StepSkipped: true, model.StepFailed: true},
	// running -> skipped covers in-flight steps that return because they
	// observed the run's cancellation signal.
	model.StepRunning: {model.StepCompleted: true, model.StepFailed: true, model.StepSkipped: true},
}

// Tracker drives run and step lifecycles against the store and fans the
// resulting events out through the log.
type Tracker struct {
	store store.Store
	log   *events.Log
}

// NewTracker creates a Tracker writing to the given store and log.
func NewTracker(s store.Store, log *events.Log) *Tracker {
	return &Tracker{store: s, log: log}
}

// CreateRun registers a new pending run and returns it.
func (t *Tracker) CreateRun(ctx context.Context, definitionName string, metadata map[string]string) (*model.WorkflowRun, error) {
	run := &model.WorkflowRun{
		RunID:          uuid.NewString(),
		DefinitionName: definitionName,
		Status:         model.RunPending,
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	event := runEvent(run.RunID, model.RunPending, "")
	if err := t.log.Append(ctx, event); err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("run created", "run_id", run.RunID, "workflow", definitionName)
	return run, nil
}

// StartRun moves the run to running and creates a pending step log for
// every step of the definition.
func (t *Tracker) StartRun(ctx context.Context, runID string, stepIDs []string) error {
	logs := make([]*model.StepLog, len(stepIDs))
	for i, stepID := range stepIDs {
		logs[i] = &model.StepLog{RunID: runID, StepID: stepID, Status: model.StepPending}
	}
	if err := t.store.CreateStepLogs(ctx, logs); err != nil {
		return fmt.Errorf("failed to create step logs: %w", err)
	}
	return t.transitionRun(ctx, runID, model.RunRunning, "")
}

// RequestCancel moves a pending or running run to canceling. Canceling a
// run that is already canceling or terminal is an error.
func (t *Tracker) RequestCancel(ctx context.Context, runID string) error {
	return t.transitionRun(ctx, runID, model.RunCanceling, "cancellation requested")
}

// FinishRun records the run's terminal status and finish time.
func (t *Tracker) FinishRun(ctx context.Context, runID string, status model.RunStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal run status", ErrInvalidTransition, status)
	}
	return t.transitionRun(ctx, runID, status, message)
}

// StartStep moves a pending step to running.
func (t *Tracker) StartStep(ctx context.Context, runID, stepID string) error {
	now := time.Now().UTC()
	return t.transitionStep(ctx, runID, stepID, model.StepRunning, "", func(log *model.StepLog) {
		log.StartedAt = &now
	})
}

// CompleteStep moves a running step to completed.
func (t *Tracker) CompleteStep(ctx context.Context, runID, stepID string) error {
	now := time.Now().UTC()
	return t.transitionStep(ctx, runID, stepID, model.StepCompleted, "", func(log *model.StepLog) {
		log.FinishedAt = &now
	})
}

// FailStep moves a running step to failed, recording the error message.
func (t *Tracker) FailStep(ctx context.Context, runID, stepID, errMsg string) error {
	now := time.Now().UTC()
	return t.transitionStep(ctx, runID, stepID, model.StepFailed, errMsg, func(log *model.StepLog) {
		log.FinishedAt = &now
		log.Error = errMsg
	})
}

// SkipStep moves a pending step to skipped, recording why.
func (t *Tracker) SkipStep(ctx context.Context, runID, stepID, reason string) error {
	now := time.Now().UTC()
	return t.transitionStep(ctx, runID, stepID, model.StepSkipped, reason, func(log *model.StepLog) {
		log.FinishedAt = &now
		log.Error = reason
	})
}

func (t *Tracker) transitionRun(ctx context.Context, runID string, to model.RunStatus, message string) error {
	event := runEvent(runID, to, message)
	err := t.log.Apply(ctx, func(ctx context.Context) error {
		_, err := t.store.UpdateRun(ctx, runID, func(run *model.WorkflowRun) error {
			if !runTransitions[run.Status][to] {
				return fmt.Errorf("%w: run %s cannot go from %q to %q", ErrInvalidTransition, runID, run.Status, to)
			}
			run.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				run.FinishedAt = &now
			}
			return nil
		}, event)
		return err
	}, event)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("run status changed", "run_id", runID, "status", to)
	return nil
}

func (t *Tracker) transitionStep(ctx context.Context, runID, stepID string, to model.StepStatus, message string, apply func(*model.StepLog)) error {
	event := &model.StepEvent{
		RunID:     runID,
		StepID:    stepID,
		Status:    string(to),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	err := t.log.Apply(ctx, func(ctx context.Context) error {
		_, err := t.store.UpdateStepLog(ctx, runID, stepID, func(log *model.StepLog) error {
			if !stepTransitions[log.Status][to] {
				return fmt.Errorf("%w: step %s/%s cannot go from %q to %q", ErrInvalidTransition, runID, stepID, log.Status, to)
			}
			log.Status = to
			apply(log)
			return nil
		}, event)
		return err
	}, event)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("step status changed", "run_id", runID, "step_id", stepID, "status", to)
	return nil
}

func runEvent(runID string, status model.RunStatus, message string) *model.StepEvent {
	return &model.StepEvent{
		RunID:     runID,
		Status:    string(status),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
