package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/model"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "flowgrid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	finished := time.Now().UTC().Truncate(time.Millisecond)
	run := &model.WorkflowRun{
		RunID:          "r1",
		DefinitionName: "w",
		Status:         model.RunPending,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		Metadata:       map[string]string{"workflow_path": "etl.hcl"},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	t.Run("run round trip", func(t *testing.T) {
		got, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "w", got.DefinitionName)
		assert.Equal(t, model.RunPending, got.Status)
		assert.Equal(t, "etl.hcl", got.Metadata["workflow_path"])
		assert.Nil(t, got.FinishedAt)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "ghost")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("update with paired event", func(t *testing.T) {
		event := &model.StepEvent{RunID: "r1", Status: "completed", Timestamp: time.Now().UTC()}
		updated, err := s.UpdateRun(ctx, "r1", func(r *model.WorkflowRun) error {
			r.Status = model.RunCompleted
			r.FinishedAt = &finished
			return nil
		}, event)
		require.NoError(t, err)
		assert.Equal(t, model.RunCompleted, updated.Status)
		assert.Equal(t, int64(1), event.Seq)

		got, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, finished, got.FinishedAt.UTC())
	})
}

func TestSQLiteStore_StepLogsAndEvents(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	require.NoError(t, s.CreateStepLogs(ctx, []*model.StepLog{
		{RunID: "r1", StepID: "a", Status: model.StepPending},
		{RunID: "r1", StepID: "b", Status: model.StepPending},
	}))

	t.Run("list step logs", func(t *testing.T) {
		logs, err := s.ListStepLogs(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("unknown step", func(t *testing.T) {
		_, err := s.GetStepLog(ctx, "r1", "ghost")
		assert.ErrorIs(t, err, ErrStepNotFound)
	})

	t.Run("update records error message", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		_, err := s.UpdateStepLog(ctx, "r1", "a", func(log *model.StepLog) error {
			log.Status = model.StepFailed
			log.FinishedAt = &now
			log.Error = "boom"
			return nil
		}, &model.StepEvent{RunID: "r1", StepID: "a", Status: "failed", Message: "boom", Timestamp: now})
		require.NoError(t, err)

		got, err := s.GetStepLog(ctx, "r1", "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepFailed, got.Status)
		assert.Equal(t, "boom", got.Error)
	})

	t.Run("event seq comes from autoincrement", func(t *testing.T) {
		first := &model.StepEvent{RunID: "r1", StepID: "b", Status: "progress", Current: 1, Total: 2, Timestamp: time.Now().UTC()}
		second := &model.StepEvent{RunID: "r1", StepID: "b", Status: "progress", Current: 2, Total: 2, Timestamp: time.Now().UTC()}
		require.NoError(t, s.AppendEvent(ctx, first))
		require.NoError(t, s.AppendEvent(ctx, second))
		assert.Equal(t, first.Seq+1, second.Seq)

		page, err := s.ListEvents(ctx, EventFilter{RunID: "r1", StepID: "b", AfterSeq: first.Seq})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, 2, page[0].Current)
	})
}
