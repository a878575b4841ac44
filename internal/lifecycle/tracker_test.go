package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/store"
)

func newTracker(t *testing.T) (*Tracker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewTracker(st, events.NewLog(st)), st
}

func TestTracker_RunLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path to completed", func(t *testing.T) {
		tracker, st := newTracker(t)
		run, err := tracker.CreateRun(ctx, "w", map[string]string{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, model.RunPending, run.Status)
		assert.NotEmpty(t, run.RunID)

		require.NoError(t, tracker.StartRun(ctx, run.RunID, []string{"a", "b"}))
		got, err := st.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.RunRunning, got.Status)

		logs, err := st.ListStepLogs(ctx, run.RunID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		for _, log := range logs {
			assert.Equal(t, model.StepPending, log.Status)
		}

		require.NoError(t, tracker.FinishRun(ctx, run.RunID, model.RunCompleted, ""))
		got, err = st.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.RunCompleted, got.Status)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("cancel path", func(t *testing.T) {
		tracker, st := newTracker(t)
		run, err := tracker.CreateRun(ctx, "w", nil)
		require.NoError(t, err)
		require.NoError(t, tracker.StartRun(ctx, run.RunID, []string{"a"}))

		require.NoError(t, tracker.RequestCancel(ctx, run.RunID))
		got, err := st.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.RunCanceling, got.Status)

		// While canceling, only canceled is a legal terminal status.
		err = tracker.FinishRun(ctx, run.RunID, model.RunCompleted, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, tracker.FinishRun(ctx, run.RunID, model.RunCanceled, "run canceled"))
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		tracker, _ := newTracker(t)
		run, err := tracker.CreateRun(ctx, "w", nil)
		require.NoError(t, err)
		require.NoError(t, tracker.StartRun(ctx, run.RunID, []string{"a"}))
		require.NoError(t, tracker.FinishRun(ctx, run.RunID, model.RunFailed, "boom"))

		assert.ErrorIs(t, tracker.RequestCancel(ctx, run.RunID), ErrInvalidTransition)
		assert.ErrorIs(t, tracker.FinishRun(ctx, run.RunID, model.RunCompleted, ""), ErrInvalidTransition)
	})

	t.Run("non-terminal finish is rejected", func(t *testing.T) {
		tracker, _ := newTracker(t)
		run, err := tracker.CreateRun(ctx, "w", nil)
		require.NoError(t, err)
		assert.ErrorIs(t, tracker.FinishRun(ctx, run.RunID, model.RunRunning, ""), ErrInvalidTransition)
	})
}

func TestTracker_ConcurrentWritesStreamInSeqOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	log := events.NewLog(st)
	tracker := NewTracker(st, log)

	const steps = 24
	stepIDs := make([]string, steps)
	for i := range stepIDs {
		stepIDs[i] = fmt.Sprintf("s%d", i)
	}
	run, err := tracker.CreateRun(ctx, "w", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.StartRun(ctx, run.RunID, stepIDs))

	stream, unsubscribe := log.Subscribe(ctx, run.RunID, 0)
	defer unsubscribe()

	// Step transitions and recorder progress race from separate
	// goroutines, the way tool goroutines race the scheduling loop.
	var wg sync.WaitGroup
	for _, stepID := range stepIDs {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			assert.NoError(t, tracker.StartStep(ctx, run.RunID, stepID))
			recorder := events.NewRecorder(log, run.RunID, stepID)
			assert.NoError(t, recorder.Progress(ctx, "work", 1, 1, ""))
			assert.NoError(t, tracker.CompleteStep(ctx, run.RunID, stepID))
		}(stepID)
	}
	wg.Wait()

	// pending + running for the run, then three events per step.
	total := 2 + steps*3
	received := make([]*model.StepEvent, 0, total)
	timeout := time.After(5 * time.Second)
	for len(received) < total {
		select {
		case e, ok := <-stream:
			require.True(t, ok, "stream closed after %d of %d events", len(received), total)
			received = append(received, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(received), total)
		}
	}
	for i := 1; i < len(received); i++ {
		require.Equal(t, received[i-1].Seq+1, received[i].Seq,
			"gap or reordering between positions %d and %d", i-1, i)
	}
}

func TestTracker_StepLifecycle(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Tracker, *store.MemoryStore, string) {
		tracker, st := newTracker(t)
		run, err := tracker.CreateRun(ctx, "w", nil)
		require.NoError(t, err)
		require.NoError(t, tracker.StartRun(ctx, run.RunID, []string{"a", "b"}))
		return tracker, st, run.RunID
	}

	t.Run("start, complete", func(t *testing.T) {
		tracker, st, runID := setup(t)
		require.NoError(t, tracker.StartStep(ctx, runID, "a"))
		log, err := st.GetStepLog(ctx, runID, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepRunning, log.Status)
		assert.NotNil(t, log.StartedAt)

		require.NoError(t, tracker.CompleteStep(ctx, runID, "a"))
		log, err = st.GetStepLog(ctx, runID, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepCompleted, log.Status)
		assert.NotNil(t, log.FinishedAt)
	})

	t.Run("fail records the error", func(t *testing.T) {
		tracker, st, runID := setup(t)
		require.NoError(t, tracker.StartStep(ctx, runID, "a"))
		require.NoError(t, tracker.FailStep(ctx, runID, "a", "boom"))
		log, err := st.GetStepLog(ctx, runID, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepFailed, log.Status)
		assert.Equal(t, "boom", log.Error)
	})

	t.Run("skip records the reason", func(t *testing.T) {
		tracker, st, runID := setup(t)
		require.NoError(t, tracker.SkipStep(ctx, runID, "b", "dependency 'a' failed"))
		log, err := st.GetStepLog(ctx, runID, "b")
		require.NoError(t, err)
		assert.Equal(t, model.StepSkipped, log.Status)
		assert.Equal(t, "dependency 'a' failed", log.Error)
	})

	t.Run("terminal steps reject further transitions", func(t *testing.T) {
		tracker, _, runID := setup(t)
		require.NoError(t, tracker.StartStep(ctx, runID, "a"))
		require.NoError(t, tracker.CompleteStep(ctx, runID, "a"))

		assert.ErrorIs(t, tracker.StartStep(ctx, runID, "a"), ErrInvalidTransition)
		assert.ErrorIs(t, tracker.SkipStep(ctx, runID, "a", "x"), ErrInvalidTransition)
	})

	t.Run("complete requires running", func(t *testing.T) {
		tracker, _, runID := setup(t)
		assert.ErrorIs(t, tracker.CompleteStep(ctx, runID, "a"), ErrInvalidTransition)
	})

	t.Run("every transition pairs exactly one event", func(t *testing.T) {
		tracker, st, runID := setup(t)
		require.NoError(t, tracker.StartStep(ctx, runID, "a"))
		require.NoError(t, tracker.CompleteStep(ctx, runID, "a"))

		recorded, err := st.ListEvents(ctx, store.EventFilter{RunID: runID, StepID: "a"})
		require.NoError(t, err)
		require.Len(t, recorded, 2)
		assert.Equal(t, "running", recorded[0].Status)
		assert.Equal(t, "completed", recorded[1].Status)
	})

	t.Run("rejected transition appends no event", func(t *testing.T) {
		tracker, st, runID := setup(t)
		before, err := st.ListEvents(ctx, store.EventFilter{RunID: runID})
		require.NoError(t, err)

		require.Error(t, tracker.CompleteStep(ctx, runID, "a"))
		after, err := st.ListEvents(ctx, store.EventFilter{RunID: runID})
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})
}
