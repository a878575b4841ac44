package events

import (
	"context"
	"time"

	"github.com/vk/flowgrid/internal/model"
)

// Recorder lets tool code report sub-step progress for the step it runs
// in. The executor places one in the context of every tool invocation.
type Recorder struct {
	log    *Log
	runID  string
	stepID string
}

// NewRecorder creates a Recorder bound to one (run, step) pair.
func NewRecorder(log *Log, runID, stepID string) *Recorder {
	return &Recorder{log: log, runID: runID, stepID: stepID}
}

// Progress appends a progress event. current/total of 0 means the tool
// has no meaningful ratio to report. Safe to call on a nil Recorder.
func (r *Recorder) Progress(ctx context.Context, substep string, current, total int, message string) error {
	if r == nil || r.log == nil {
		return nil
	}
	return r.log.Append(ctx, &model.StepEvent{
		RunID:     r.runID,
		StepID:    r.stepID,
		Substep:   substep,
		Status:    "progress",
		Current:   current,
		Total:     total,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

type recorderKey struct{}

// WithRecorder returns a context carrying the recorder.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFromContext returns the recorder from the context, or nil when
// none was set (dry runs, unit tests). The nil Recorder is a no-op.
func RecorderFromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}
