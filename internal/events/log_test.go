package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/store"
)

func event(runID, stepID, status string) *model.StepEvent {
	return &model.StepEvent{RunID: runID, StepID: stepID, Status: status, Timestamp: time.Now().UTC()}
}

func collect(t *testing.T, ch <-chan *model.StepEvent, n int) []*model.StepEvent {
	t.Helper()
	out := make([]*model.StepEvent, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "stream closed after %d of %d events", len(out), n)
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestLog_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	log := NewLog(store.NewMemoryStore())

	require.NoError(t, log.Append(ctx, event("r1", "a", "running")))
	require.NoError(t, log.Append(ctx, event("r1", "a", "completed")))
	require.NoError(t, log.Append(ctx, event("r2", "x", "running")))

	recorded, err := log.Query(ctx, store.EventFilter{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, "running", recorded[0].Status)
	assert.Equal(t, "completed", recorded[1].Status)
	assert.Less(t, recorded[0].Seq, recorded[1].Seq)
}

func TestLog_SubscribeReplaysThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewLog(store.NewMemoryStore())

	// History before the subscription exists.
	require.NoError(t, log.Append(ctx, event("r1", "a", "running")))
	require.NoError(t, log.Append(ctx, event("r1", "a", "completed")))

	stream, unsubscribe := log.Subscribe(ctx, "r1", 0)
	defer unsubscribe()

	// Live events after the subscription.
	require.NoError(t, log.Append(ctx, event("r1", "b", "running")))
	require.NoError(t, log.Append(ctx, event("r1", "b", "completed")))

	got := collect(t, stream, 4)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq, "no gap and no duplicate at position %d", i)
	}
	assert.Equal(t, "a", got[0].StepID)
	assert.Equal(t, "b", got[3].StepID)
}

func TestLog_SubscribeAfterSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewLog(store.NewMemoryStore())

	require.NoError(t, log.Append(ctx, event("r1", "a", "running")))
	require.NoError(t, log.Append(ctx, event("r1", "a", "completed")))

	stream, unsubscribe := log.Subscribe(ctx, "r1", 1)
	defer unsubscribe()

	got := collect(t, stream, 1)
	assert.Equal(t, int64(2), got[0].Seq)
}

func TestLog_SubscribeFiltersByRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewLog(store.NewMemoryStore())

	stream, unsubscribe := log.Subscribe(ctx, "r1", 0)
	defer unsubscribe()

	require.NoError(t, log.Append(ctx, event("r2", "x", "running")))
	require.NoError(t, log.Append(ctx, event("r1", "a", "running")))

	got := collect(t, stream, 1)
	assert.Equal(t, "r1", got[0].RunID)
}

func TestLog_ConcurrentAppendsStreamInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := NewLog(store.NewMemoryStore())

	stream, unsubscribe := log.Subscribe(ctx, "r1", 0)
	defer unsubscribe()

	// Many writers racing: tool goroutines emit progress while the
	// scheduling loop records transitions. The subscriber must still see
	// every seq exactly once, in order.
	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, log.Append(ctx, event("r1", "a", "progress")))
			}
		}()
	}
	wg.Wait()

	got := collect(t, stream, writers*perWriter)
	for i, e := range got {
		require.Equal(t, int64(i+1), e.Seq, "event at position %d arrived out of order or was dropped", i)
	}
}

func TestLog_UnsubscribeClosesStream(t *testing.T) {
	ctx := context.Background()
	log := NewLog(store.NewMemoryStore())

	stream, unsubscribe := log.Subscribe(ctx, "r1", 0)
	unsubscribe()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after unsubscribe")
	}
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	log := NewLog(store.NewMemoryStore())

	t.Run("records progress events", func(t *testing.T) {
		recorder := NewRecorder(log, "r1", "a")
		rctx := WithRecorder(ctx, recorder)

		require.NoError(t, RecorderFromContext(rctx).Progress(rctx, "download", 1, 10, "chunk 1"))

		recorded, err := log.Query(ctx, store.EventFilter{RunID: "r1"})
		require.NoError(t, err)
		require.Len(t, recorded, 1)
		assert.Equal(t, "progress", recorded[0].Status)
		assert.Equal(t, "download", recorded[0].Substep)
		assert.Equal(t, 1, recorded[0].Current)
		assert.Equal(t, 10, recorded[0].Total)
	})

	t.Run("nil recorder is a no-op", func(t *testing.T) {
		assert.NoError(t, RecorderFromContext(ctx).Progress(ctx, "x", 0, 0, ""))
	})
}
