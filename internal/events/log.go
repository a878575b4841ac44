// Package events provides the append-only step event log: durable append
// through the store, paginated queries, and live subscriptions that
// replay history before streaming new events without gaps.
package events

import (
	"context"
	"sync"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/store"
)

// Log is the process-wide event hub. Writes go through the store (which
// assigns sequence numbers) and are then fanned out to subscribers.
type Log struct {
	store store.Store

	// appendMu is held from seq assignment in the store through fanout,
	// so concurrent writers cannot reach subscribers out of seq order.
	appendMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewLog creates a Log backed by the given store.
func NewLog(s store.Store) *Log {
	return &Log{
		store: s,
		subs:  make(map[int]*subscriber),
	}
}

// Append durably appends one event, then fans it out to subscribers.
func (l *Log) Append(ctx context.Context, event *model.StepEvent) error {
	return l.Apply(ctx, func(ctx context.Context) error {
		return l.store.AppendEvent(ctx, event)
	}, event)
}

// Apply runs one store mutation and fans out its paired events as a
// single ordered append. The store assigns the events' sequence numbers
// inside mutate; nothing else can append between that assignment and the
// fanout, so every subscriber sees events in seq order with no gaps. The
// lifecycle tracker routes its transition writes through here.
func (l *Log) Apply(ctx context.Context, mutate func(context.Context) error, events ...*model.StepEvent) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if err := mutate(ctx); err != nil {
		return err
	}
	l.fanout(events...)
	return nil
}

func (l *Log) fanout(events ...*model.StepEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		for _, sub := range l.subs {
			if sub.runID != "" && sub.runID != event.RunID {
				continue
			}
			sub.enqueue(event)
		}
	}
}

// Query returns persisted events matching the filter, oldest first. Page
// with AfterSeq set to the Seq of the last event of the previous page.
func (l *Log) Query(ctx context.Context, filter store.EventFilter) ([]*model.StepEvent, error) {
	return l.store.ListEvents(ctx, filter)
}

// Subscribe returns a channel of events for runID (all runs when empty).
// Events already persisted with Seq > afterSeq are replayed first, then
// the subscription goes live; no event in between is dropped and none is
// delivered twice. The channel closes when ctx is canceled or cancel is
// called.
func (l *Log) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan *model.StepEvent, func()) {
	sub := &subscriber{
		runID:  runID,
		out:    make(chan *model.StepEvent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Register before replaying so events appended during the replay
	// land in the live queue; the pump dedupes the overlap by Seq.
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = sub
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(sub.done)
		})
	}

	go func() {
		defer close(sub.out)
		defer cancel()
		if err := sub.pump(ctx, l.store, afterSeq); err != nil && ctx.Err() == nil {
			ctxlog.FromContext(ctx).Error("event subscription replay failed", "run_id", runID, "error", err)
		}
	}()

	return sub.out, cancel
}

// subscriber buffers fanned-out events in an unbounded queue so a slow
// consumer never blocks the tracker.
type subscriber struct {
	runID  string
	out    chan *model.StepEvent
	done   chan struct{}
	notify chan struct{}

	mu    sync.Mutex
	queue []*model.StepEvent
}

func (s *subscriber) enqueue(event *model.StepEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, st store.Store, afterSeq int64) error {
	lastSeq := afterSeq

	// Replay phase: everything already persisted past afterSeq.
	replayed, err := st.ListEvents(ctx, store.EventFilter{RunID: s.runID, AfterSeq: afterSeq})
	if err != nil {
		return err
	}
	for _, event := range replayed {
		if !s.send(ctx, event) {
			return nil
		}
		lastSeq = event.Seq
	}

	// Live phase: drain the queue, dropping events the replay already
	// covered.
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, event := range pending {
			if event.Seq <= lastSeq {
				continue
			}
			if !s.send(ctx, event) {
				return nil
			}
			lastSeq = event.Seq
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.notify:
		}
	}
}

func (s *subscriber) send(ctx context.Context, event *model.StepEvent) bool {
	select {
	case s.out <- event:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}
