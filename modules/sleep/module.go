package sleep

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the sleep tool.
type Input struct {
	Duration string `cty:"duration"`
}

// Run is the handler for the 'sleep' tool. It waits for the requested
// duration, reporting progress once a second, and aborts promptly on
// cancellation.
func Run(ctx context.Context, input *Input) (any, error) {
	logger := ctxlog.FromContext(ctx).With("tool", "sleep")

	duration, err := time.ParseDuration(input.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}
	logger.Debug("Sleeping.", "duration", duration)

	recorder := events.RecorderFromContext(ctx)
	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	totalMs := int(duration.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]any{"slept_ms": float64(totalMs)}, nil
		case <-ticker.C:
			elapsed := totalMs - int(time.Until(deadline).Milliseconds())
			if err := recorder.Progress(ctx, "sleeping", elapsed, totalMs, ""); err != nil {
				logger.Warn("Failed to record progress.", "error", err)
			}
		}
	}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterTool(&registry.Definition{
		Name:        "sleep",
		Description: "Waits for a duration, e.g. '500ms' or '2s'.",
		Inputs: map[string]*registry.InputSpec{
			"duration": {Type: cty.String, Required: true},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
}
