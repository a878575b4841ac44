// Package testutil provides shared helpers for engine tests: a
// thread-safe log buffer, stub tool modules, and a harness that wires a
// memory store, event log, tracker, and executor together.
package testutil

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/dag"
	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/executor"
	"github.com/vk/flowgrid/internal/hcl"
	"github.com/vk/flowgrid/internal/interp"
	"github.com/vk/flowgrid/internal/lifecycle"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/vk/flowgrid/internal/store"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Harness wires a memory store, event log, tracker, registry, and stub
// tool module into a ready-to-run engine for tests.
type Harness struct {
	Store    *store.MemoryStore
	Log      *events.Log
	Tracker  *lifecycle.Tracker
	Registry *registry.Registry
	Stub     *StubModule
}

// NewHarness creates a Harness with the stub module registered.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	st := store.NewMemoryStore()
	log := events.NewLog(st)
	reg := registry.New()
	stub := NewStubModule()
	stub.Register(reg)
	require.NoError(t, reg.ValidateRegistry(context.Background()))
	return &Harness{
		Store:    st,
		Log:      log,
		Tracker:  lifecycle.NewTracker(st, log),
		Registry: reg,
		Stub:     stub,
	}
}

// Executor returns a fresh executor with the given concurrency bound.
func (h *Harness) Executor(maxConcurrency int) *executor.Executor {
	return executor.New(h.Registry, h.Tracker, h.Log, maxConcurrency)
}

// MustParse parses HCL source into a workflow, failing the test on error.
func MustParse(t *testing.T, src string) *config.Workflow {
	t.Helper()
	m, err := hcl.Parse("test.hcl", []byte(src))
	require.NoError(t, err)
	return m.Workflow
}

// Execute parses, builds, and runs a workflow to completion. It returns
// the final run row and the executor's Wait error.
func (h *Harness) Execute(ctx context.Context, t *testing.T, src string, inputs map[string]cty.Value, maxConcurrency int) (*model.WorkflowRun, error) {
	t.Helper()
	wf := MustParse(t, src)
	graph, err := dag.Build(ctx, wf)
	require.NoError(t, err)
	rc, err := interp.NewRunContext(wf, inputs)
	require.NoError(t, err)

	run, err := h.Tracker.CreateRun(ctx, wf.Name, nil)
	require.NoError(t, err)
	handle, err := h.Executor(maxConcurrency).Start(ctx, run, graph, rc)
	require.NoError(t, err)
	waitErr := handle.Wait()

	final, err := h.Store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	return final, waitErr
}

// StepStatuses returns the status of every step of a run keyed by id.
func (h *Harness) StepStatuses(ctx context.Context, t *testing.T, runID string) map[string]model.StepStatus {
	t.Helper()
	logs, err := h.Store.ListStepLogs(ctx, runID)
	require.NoError(t, err)
	out := make(map[string]model.StepStatus, len(logs))
	for _, log := range logs {
		out[log.StepID] = log.Status
	}
	return out
}
