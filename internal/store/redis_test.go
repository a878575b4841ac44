package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/model"
)

// newRedis connects to the Redis named by FLOWGRID_REDIS_ADDR, skipping
// the test when the variable is unset.
func newRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("FLOWGRID_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWGRID_REDIS_ADDR not set; skipping redis store tests")
	}
	s, err := NewRedisStore(context.Background(), addr, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.client.FlushDB(context.Background())
		s.Close()
	})
	s.client.FlushDB(context.Background())
	return s
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedis(t)

	run := &model.WorkflowRun{
		RunID:          "r1",
		DefinitionName: "w",
		Status:         model.RunPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, got.Status)

	_, err = s.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)

	event := &model.StepEvent{RunID: "r1", Status: "running", Timestamp: time.Now().UTC()}
	updated, err := s.UpdateRun(ctx, "r1", func(r *model.WorkflowRun) error {
		r.Status = model.RunRunning
		return nil
	}, event)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, updated.Status)
	assert.Equal(t, int64(1), event.Seq)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRedisStore_Events(t *testing.T) {
	ctx := context.Background()
	s := newRedis(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &model.StepEvent{
			RunID:     "r1",
			StepID:    "a",
			Status:    "progress",
			Current:   i,
			Total:     3,
			Timestamp: time.Now().UTC(),
		}))
	}

	page, err := s.ListEvents(ctx, EventFilter{RunID: "r1", AfterSeq: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Seq)
	assert.Equal(t, 2, page[0].Current)
}
