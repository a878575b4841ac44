package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/vk/flowgrid/internal/model"
)

// Key layout. Rows are JSON values; the event log is a list so append
// order is the storage order.
const (
	redisRunPrefix     = "flowgrid:run:"
	redisRunIndexKey   = "flowgrid:runs"
	redisStepPrefix    = "flowgrid:steplog:"
	redisEventsKey     = "flowgrid:events"
	redisEventsSeqKey  = "flowgrid:events:seq"
	redisStepIndexPref = "flowgrid:steps:"
)

// RedisStore is a Redis-backed implementation of Store, for runs whose
// status and event stream must outlive the process or be visible to
// other processes.
type RedisStore struct {
	client *redis.Client
	// The tracker is the sole writer, but the mutex keeps the
	// read-modify-write in Update* atomic if anything else writes too.
	mu sync.Mutex
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisRunKey(runID string) string          { return redisRunPrefix + runID }
func redisStepKey(runID, stepID string) string { return redisStepPrefix + runID + ":" + stepID }
func redisStepIndexKey(runID string) string    { return redisStepIndexPref + runID }

// CreateRun stores a new run row and records it in the run index.
func (s *RedisStore) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisRunKey(run.RunID), data, 0)
		pipe.RPush(ctx, redisRunIndexKey, run.RunID)
		return nil
	})
	return err
}

// GetRun retrieves a run row by id.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	data, err := s.client.Get(ctx, redisRunKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	var run model.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recently created runs, newest first.
func (s *RedisStore) ListRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error) {
	ids, err := s.client.LRange(ctx, redisRunIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.WorkflowRun
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		run, err := s.GetRun(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// UpdateRun applies the mutation and appends any paired events. The write
// of the row and the events goes through one transactional pipeline.
func (s *RedisStore) UpdateRun(ctx context.Context, runID string, update func(*model.WorkflowRun) error, events ...*model.StepEvent) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := update(run); err != nil {
		return nil, err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}
	encoded, err := s.assignSeqs(ctx, events)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisRunKey(runID), data, 0)
		for _, raw := range encoded {
			pipe.RPush(ctx, redisEventsKey, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CreateStepLogs stores the given step rows and their per-run index.
func (s *RedisStore) CreateStepLogs(ctx context.Context, logs []*model.StepLog) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, log := range logs {
			data, err := json.Marshal(log)
			if err != nil {
				return fmt.Errorf("failed to marshal step log: %w", err)
			}
			pipe.Set(ctx, redisStepKey(log.RunID, log.StepID), data, 0)
			pipe.RPush(ctx, redisStepIndexKey(log.RunID), log.StepID)
		}
		return nil
	})
	return err
}

// GetStepLog retrieves one step row.
func (s *RedisStore) GetStepLog(ctx context.Context, runID, stepID string) (*model.StepLog, error) {
	data, err := s.client.Get(ctx, redisStepKey(runID, stepID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, runID, stepID)
	}
	if err != nil {
		return nil, err
	}
	var log model.StepLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step log: %w", err)
	}
	return &log, nil
}

// ListStepLogs returns every step row for a run in creation order.
func (s *RedisStore) ListStepLogs(ctx context.Context, runID string) ([]*model.StepLog, error) {
	ids, err := s.client.LRange(ctx, redisStepIndexKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.StepLog, 0, len(ids))
	for _, stepID := range ids {
		log, err := s.GetStepLog(ctx, runID, stepID)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, nil
}

// UpdateStepLog applies the mutation and appends any paired events.
func (s *RedisStore) UpdateStepLog(ctx context.Context, runID, stepID string, update func(*model.StepLog) error, events ...*model.StepEvent) (*model.StepLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.GetStepLog(ctx, runID, stepID)
	if err != nil {
		return nil, err
	}
	if err := update(log); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step log: %w", err)
	}
	encoded, err := s.assignSeqs(ctx, events)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisStepKey(runID, stepID), data, 0)
		for _, raw := range encoded {
			pipe.RPush(ctx, redisEventsKey, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// AppendEvent assigns the next sequence number and appends the event.
func (s *RedisStore) AppendEvent(ctx context.Context, event *model.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := s.assignSeqs(ctx, []*model.StepEvent{event})
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, redisEventsKey, encoded[0]).Err()
}

// assignSeqs reserves a contiguous seq range with one INCRBY, stamps the
// events, and returns their JSON encodings. Mutates the passed events so
// callers observe the assigned Seq.
func (s *RedisStore) assignSeqs(ctx context.Context, events []*model.StepEvent) ([][]byte, error) {
	if len(events) == 0 {
		return nil, nil
	}
	last, err := s.client.IncrBy(ctx, redisEventsSeqKey, int64(len(events))).Result()
	if err != nil {
		return nil, err
	}
	first := last - int64(len(events)) + 1
	encoded := make([][]byte, len(events))
	for i, event := range events {
		event.Seq = first + int64(i)
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		encoded[i] = data
	}
	return encoded, nil
}

// ListEvents returns events matching the filter in seq order.
func (s *RedisStore) ListEvents(ctx context.Context, filter EventFilter) ([]*model.StepEvent, error) {
	raws, err := s.client.LRange(ctx, redisEventsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.StepEvent
	for _, raw := range raws {
		var event model.StepEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if !filter.matches(&event) {
			continue
		}
		out = append(out, &event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }
