// Package executor schedules a validated graph: it dispatches steps as
// their dependencies complete, bounds concurrency, applies the failure
// propagation policy, and drives every status change through the
// lifecycle tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/dag"
	"github.com/vk/flowgrid/internal/events"
	"github.com/vk/flowgrid/internal/interp"
	"github.com/vk/flowgrid/internal/lifecycle"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// CancellationError reports that a run ended because cancellation was
// requested, not because any step failed on its own.
type CancellationError struct {
	RunID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run '%s' was canceled", e.RunID)
}

// Executor runs validated graphs. It holds no per-run state; each Start
// call produces an independent Run.
type Executor struct {
	registry       *registry.Registry
	tracker        *lifecycle.Tracker
	log            *events.Log
	maxConcurrency int
}

// New creates an Executor. maxConcurrency bounds the number of steps in
// flight per run; values below 1 mean unbounded.
func New(reg *registry.Registry, tracker *lifecycle.Tracker, log *events.Log, maxConcurrency int) *Executor {
	return &Executor{
		registry:       reg,
		tracker:        tracker,
		log:            log,
		maxConcurrency: maxConcurrency,
	}
}

// Run is a handle to one in-flight execution.
type Run struct {
	runID    string
	cancelCh chan struct{}
	doneCh   chan struct{}
	once     sync.Once

	err error
}

// RunID returns the run's identifier.
func (r *Run) RunID() string { return r.runID }

// Cancel requests cancellation: no new steps are admitted, in-flight
// steps get the cancellation signal, and unstarted steps are skipped.
// Safe to call more than once.
func (r *Run) Cancel() {
	r.once.Do(func() { close(r.cancelCh) })
}

// Wait blocks until the run reaches a terminal status and returns nil
// for completed, the root-cause error for failed, or a
// *CancellationError for canceled.
func (r *Run) Wait() error {
	<-r.doneCh
	return r.err
}

// Start moves the run to running, creates its step logs, and launches
// the scheduling loop. The returned handle observes completion via Wait.
func (e *Executor) Start(ctx context.Context, run *model.WorkflowRun, graph *dag.Graph, rc *interp.RunContext) (*Run, error) {
	if err := e.tracker.StartRun(ctx, run.RunID, graph.Order); err != nil {
		return nil, err
	}
	handle := &Run{
		runID:    run.RunID,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go func() {
		defer close(handle.doneCh)
		handle.err = e.schedule(ctx, handle, graph, rc)
	}()
	return handle, nil
}

type stepResult struct {
	node   *dag.Node
	output cty.Value
	err    error
}

// schedule is the single scheduling loop. It is the only goroutine that
// touches the frontier, the local status map, and the run context's
// outputs, so failure propagation needs no further synchronization.
func (e *Executor) schedule(ctx context.Context, handle *Run, graph *dag.Graph, rc *interp.RunContext) error {
	logger := ctxlog.FromContext(ctx)
	runID := handle.runID

	stepCtx, stopSteps := context.WithCancel(ctx)
	defer stopSteps()

	results := make(chan stepResult)
	frontier := make([]*dag.Node, 0, len(graph.Order))
	for _, node := range graph.Roots() {
		frontier = append(frontier, node)
	}

	status := make(map[string]model.StepStatus, len(graph.Order))
	for _, id := range graph.Order {
		status[id] = model.StepPending
	}

	var (
		running   int
		canceling bool
		rootErr   error
	)

	// Tracker writes must survive cancellation of the run context, or a
	// canceled run would lose its terminal statuses.
	wctx := context.WithoutCancel(ctx)

	fail := func(node *dag.Node, err error) {
		status[node.ID] = model.StepFailed
		if rootErr == nil {
			rootErr = err
		}
		if terr := e.tracker.FailStep(wctx, runID, node.ID, err.Error()); terr != nil {
			logger.Error("failed to record step failure", "run_id", runID, "step_id", node.ID, "error", terr)
		}
		e.skipDependents(wctx, runID, graph, node, status, fmt.Sprintf("dependency '%s' failed", node.ID))
	}

	// Closed channels stay ready, so each cancellation source is disarmed
	// after its first delivery.
	cancelCh := handle.cancelCh
	ctxDone := ctx.Done()

	for running > 0 || (!canceling && len(frontier) > 0) {
		if !canceling && len(frontier) > 0 && (e.maxConcurrency < 1 || running < e.maxConcurrency) {
			node := frontier[0]
			frontier = frontier[1:]
			if status[node.ID] != model.StepPending {
				continue
			}

			resolved, err := e.resolve(graph, node, rc)
			if err != nil {
				fail(node, err)
				continue
			}
			if err := e.tracker.StartStep(wctx, runID, node.ID); err != nil {
				fail(node, err)
				continue
			}
			status[node.ID] = model.StepRunning
			running++
			go e.invoke(stepCtx, runID, node, resolved, results)
			continue
		}

		select {
		case res := <-results:
			running--
			if res.err != nil {
				// A step that returned because it observed the cancellation
				// signal is skipped, not failed.
				if canceling && errors.Is(res.err, context.Canceled) {
					status[res.node.ID] = model.StepSkipped
					if terr := e.tracker.SkipStep(wctx, runID, res.node.ID, "run canceled"); terr != nil {
						logger.Error("failed to record step skip", "run_id", runID, "step_id", res.node.ID, "error", terr)
					}
					continue
				}
				fail(res.node, res.err)
				continue
			}
			status[res.node.ID] = model.StepCompleted
			rc.SetOutput(res.node.ID, res.output)
			if err := e.tracker.CompleteStep(wctx, runID, res.node.ID); err != nil {
				logger.Error("failed to record step completion", "run_id", runID, "step_id", res.node.ID, "error", err)
			}
			for _, depID := range graph.Order {
				dependent, ok := res.node.Dependents[depID]
				if !ok {
					continue
				}
				if dependent.MarkDepDone() && status[dependent.ID] == model.StepPending {
					frontier = append(frontier, dependent)
				}
			}
		case <-cancelCh:
			cancelCh = nil
			if !canceling {
				canceling = true
				stopSteps()
				if err := e.tracker.RequestCancel(wctx, runID); err != nil {
					logger.Error("failed to record cancellation", "run_id", runID, "error", err)
				}
			}
		case <-ctxDone:
			ctxDone = nil
			if !canceling {
				canceling = true
				stopSteps()
				if err := e.tracker.RequestCancel(wctx, runID); err != nil {
					logger.Error("failed to record cancellation", "run_id", runID, "error", err)
				}
			}
		}
	}

	// A cancellation may have raced the last result.
	if cancelCh != nil {
		select {
		case <-cancelCh:
			if !canceling {
				canceling = true
				if err := e.tracker.RequestCancel(wctx, runID); err != nil {
					logger.Error("failed to record cancellation", "run_id", runID, "error", err)
				}
			}
		default:
		}
	}

	if canceling {
		for _, id := range graph.Order {
			if status[id] != model.StepPending {
				continue
			}
			status[id] = model.StepSkipped
			if err := e.tracker.SkipStep(wctx, runID, id, "run canceled"); err != nil {
				logger.Error("failed to record step skip", "run_id", runID, "step_id", id, "error", err)
			}
		}
		if err := e.tracker.FinishRun(wctx, runID, model.RunCanceled, "run canceled"); err != nil {
			return err
		}
		return &CancellationError{RunID: runID}
	}

	if rootErr != nil {
		if err := e.tracker.FinishRun(wctx, runID, model.RunFailed, rootErr.Error()); err != nil {
			return err
		}
		return rootErr
	}
	return e.tracker.FinishRun(wctx, runID, model.RunCompleted, "")
}

// resolve builds the step's evaluation scope from its declared
// dependencies and resolves every config expression.
func (e *Executor) resolve(graph *dag.Graph, node *dag.Node, rc *interp.RunContext) (map[string]cty.Value, error) {
	deps := graph.DeclaredDeps(node)
	depIDs := make([]string, len(deps))
	for i, dep := range deps {
		depIDs[i] = dep.ID
	}
	evalCtx, err := rc.EvalContext(depIDs)
	if err != nil {
		return nil, fmt.Errorf("step '%s': %w", node.ID, err)
	}
	return interp.ResolveStep(node.ID, node.Step.Config, evalCtx)
}

// invoke runs one tool call in its own goroutine and reports the result
// back to the scheduling loop.
func (e *Executor) invoke(ctx context.Context, runID string, node *dag.Node, resolved map[string]cty.Value, results chan<- stepResult) {
	recorder := events.NewRecorder(e.log, runID, node.ID)
	out, err := e.registry.Invoke(events.WithRecorder(ctx, recorder), node.Step.Tool, resolved)
	results <- stepResult{node: node, output: out, err: err}
}

// skipDependents marks every transitive dependent of a failed step as
// skipped. It runs inside the scheduling loop, so a dependent reachable
// through several failed parents is skipped exactly once.
func (e *Executor) skipDependents(ctx context.Context, runID string, graph *dag.Graph, node *dag.Node, status map[string]model.StepStatus, reason string) {
	for _, id := range graph.Order {
		dependent, ok := node.Dependents[id]
		if !ok {
			continue
		}
		if status[dependent.ID] != model.StepPending {
			continue
		}
		status[dependent.ID] = model.StepSkipped
		if err := e.tracker.SkipStep(ctx, runID, dependent.ID, reason); err != nil {
			ctxlog.FromContext(ctx).Error("failed to record step skip", "run_id", runID, "step_id", dependent.ID, "error", err)
		}
		e.skipDependents(ctx, runID, graph, dependent, status, reason)
	}
}
