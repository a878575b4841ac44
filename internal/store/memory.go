package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/flowgrid/internal/model"
)

// MemoryStore is an in-memory implementation of the Store interface. It
// is the default for tests and for dry-run-style inspection sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*model.WorkflowRun
	runOrder []string
	steps    map[string]map[string]*model.StepLog
	events   []*model.StepEvent
	nextSeq  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*model.WorkflowRun),
		steps: make(map[string]map[string]*model.StepLog),
	}
}

// CreateRun stores a new run row.
func (s *MemoryStore) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.runs[run.RunID]; exists {
			return struct{}{}, fmt.Errorf("run %q already exists", run.RunID)
		}
		s.runs[run.RunID] = run.Clone()
		s.runOrder = append(s.runOrder, run.RunID)
		return struct{}{}, nil
	})
	return err
}

// GetRun retrieves a run row by id.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	return withContext(ctx, func() (*model.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[runID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return run.Clone(), nil
	})
}

// ListRuns returns the most recently created runs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error) {
	return withContext(ctx, func() ([]*model.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []*model.WorkflowRun
		for i := len(s.runOrder) - 1; i >= 0; i-- {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, s.runs[s.runOrder[i]].Clone())
		}
		return out, nil
	})
}

// UpdateRun applies the mutation and appends any paired events under one
// lock acquisition.
func (s *MemoryStore) UpdateRun(ctx context.Context, runID string, update func(*model.WorkflowRun) error, events ...*model.StepEvent) (*model.WorkflowRun, error) {
	return withContext(ctx, func() (*model.WorkflowRun, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[runID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		updated := run.Clone()
		if err := update(updated); err != nil {
			return nil, err
		}
		s.runs[runID] = updated
		s.appendLocked(events)
		return updated.Clone(), nil
	})
}

// CreateStepLogs stores the given step rows.
func (s *MemoryStore) CreateStepLogs(ctx context.Context, logs []*model.StepLog) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, log := range logs {
			byStep, ok := s.steps[log.RunID]
			if !ok {
				byStep = make(map[string]*model.StepLog)
				s.steps[log.RunID] = byStep
			}
			byStep[log.StepID] = log.Clone()
		}
		return struct{}{}, nil
	})
	return err
}

// GetStepLog retrieves one step row.
func (s *MemoryStore) GetStepLog(ctx context.Context, runID, stepID string) (*model.StepLog, error) {
	return withContext(ctx, func() (*model.StepLog, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log, ok := s.steps[runID][stepID]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, runID, stepID)
		}
		return log.Clone(), nil
	})
}

// ListStepLogs returns every step row for a run.
func (s *MemoryStore) ListStepLogs(ctx context.Context, runID string) ([]*model.StepLog, error) {
	return withContext(ctx, func() ([]*model.StepLog, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		byStep := s.steps[runID]
		out := make([]*model.StepLog, 0, len(byStep))
		for _, log := range byStep {
			out = append(out, log.Clone())
		}
		return out, nil
	})
}

// UpdateStepLog applies the mutation and appends any paired events under
// one lock acquisition.
func (s *MemoryStore) UpdateStepLog(ctx context.Context, runID, stepID string, update func(*model.StepLog) error, events ...*model.StepEvent) (*model.StepLog, error) {
	return withContext(ctx, func() (*model.StepLog, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		log, ok := s.steps[runID][stepID]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, runID, stepID)
		}
		updated := log.Clone()
		if err := update(updated); err != nil {
			return nil, err
		}
		s.steps[runID][stepID] = updated
		s.appendLocked(events)
		return updated.Clone(), nil
	})
}

// AppendEvent assigns the next sequence number and appends the event.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *model.StepEvent) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.appendLocked([]*model.StepEvent{event})
		return struct{}{}, nil
	})
	return err
}

// appendLocked assigns sequence numbers and stores events. Callers hold
// the write lock. The passed events are mutated so the caller observes
// the assigned Seq.
func (s *MemoryStore) appendLocked(events []*model.StepEvent) {
	for _, event := range events {
		s.nextSeq++
		event.Seq = s.nextSeq
		s.events = append(s.events, event.Clone())
	}
}

// ListEvents returns events matching the filter in append (seq) order.
func (s *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]*model.StepEvent, error) {
	return withContext(ctx, func() ([]*model.StepEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []*model.StepEvent
		for _, event := range s.events {
			if !filter.matches(event) {
				continue
			}
			out = append(out, event.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return out, nil
	})
}

// Close implements Store. A MemoryStore holds no external resources.
func (s *MemoryStore) Close() error { return nil }
