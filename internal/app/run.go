package app

import (
	"context"
	"fmt"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/dag"
	"github.com/vk/flowgrid/internal/interp"
	"github.com/vk/flowgrid/internal/model"
	"github.com/vk/flowgrid/internal/store"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if appConfig.HealthcheckPort > 0 {
		a.startHealthcheckServer(appConfig.HealthcheckPort)
	}

	switch {
	case appConfig.ShowRun != "":
		return a.showRun(ctx, appConfig.ShowRun)
	case appConfig.ShowEvents != "":
		return a.showEvents(ctx, appConfig.ShowEvents, appConfig.Follow)
	}

	wf := a.model.Workflow
	a.logger.Debug("Building dependency graph from config model...")
	graph, err := dag.Build(ctx, wf)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", len(graph.Nodes))
	a.logger.Info("Critical path computed.", "path", graph.CriticalPath())

	provided, err := a.buildInputs(appConfig.Inputs)
	if err != nil {
		return err
	}
	rc, err := interp.NewRunContext(wf, provided)
	if err != nil {
		return err
	}

	if appConfig.DryRun {
		a.logger.Info("🔍 Dry run: validating and resolving without execution.")
		resolved, err := a.executor.DryRun(ctx, graph, rc)
		if err != nil {
			return err
		}
		for _, node := range graph.TopoOrder() {
			a.logger.Info("Step resolved.", "step_id", node.ID, "tool", node.Step.Tool, "params", len(resolved[node.ID]))
		}
		a.logger.Info("🔍 Dry run finished: workflow is valid.")
		return nil
	}

	run, err := a.tracker.CreateRun(ctx, wf.Name, map[string]string{"workflow_path": appConfig.WorkflowPath})
	if err != nil {
		return err
	}

	a.logger.Info("🚀 Starting concurrent execution...", "run_id", run.RunID, "workflow", wf.Name)
	handle, err := a.executor.Start(ctx, run, graph, rc)
	if err != nil {
		return err
	}
	runErr := handle.Wait()

	a.printSummary(context.WithoutCancel(ctx), run.RunID)
	if runErr != nil {
		return fmt.Errorf("execution failed: %w", runErr)
	}
	a.logger.Info("🏁 Execution finished.", "run_id", run.RunID)
	return nil
}

// buildInputs converts raw command-line input values to the types the
// workflow declares for them.
func (a *App) buildInputs(raw map[string]string) (map[string]cty.Value, error) {
	provided := make(map[string]cty.Value, len(raw))
	for name, value := range raw {
		decl := a.model.Workflow.Input(name)
		if decl == nil {
			provided[name] = cty.StringVal(value)
			continue
		}
		converted, err := convert.Convert(cty.StringVal(value), decl.Type)
		if err != nil {
			return nil, fmt.Errorf("input '%s': cannot convert %q to %s: %w", name, value, decl.Type.FriendlyName(), err)
		}
		provided[name] = converted
	}
	return provided, nil
}

// printSummary reports the final status of the run and each of its steps.
func (a *App) printSummary(ctx context.Context, runID string) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		a.logger.Error("Failed to load run for summary.", "run_id", runID, "error", err)
		return
	}
	logs, err := a.store.ListStepLogs(ctx, runID)
	if err != nil {
		a.logger.Error("Failed to load step logs for summary.", "run_id", runID, "error", err)
		return
	}
	fmt.Fprintf(a.outW, "\nRun %s (%s): %s\n", run.RunID, run.DefinitionName, run.Status)
	for _, log := range logs {
		line := fmt.Sprintf("  %-24s %s", log.StepID, log.Status)
		if log.Error != "" {
			line += " (" + log.Error + ")"
		}
		fmt.Fprintln(a.outW, line)
	}
}

// showRun prints a past run and its step statuses.
func (a *App) showRun(ctx context.Context, runID string) error {
	a.printSummary(ctx, runID)
	return nil
}

// showEvents prints the event history of a run, optionally following the
// live stream until the context is canceled.
func (a *App) showEvents(ctx context.Context, runID string, follow bool) error {
	if !follow {
		recorded, err := a.events.Query(ctx, store.EventFilter{RunID: runID})
		if err != nil {
			return err
		}
		for _, event := range recorded {
			a.printEvent(event)
		}
		return nil
	}

	stream, cancel := a.events.Subscribe(ctx, runID, 0)
	defer cancel()
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return nil
			}
			a.printEvent(event)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *App) printEvent(event *model.StepEvent) {
	line := fmt.Sprintf("%6d  %s  %-24s %s", event.Seq, event.Timestamp.Format("15:04:05.000"), eventSubject(event), event.Status)
	if event.Message != "" {
		line += "  " + event.Message
	}
	fmt.Fprintln(a.outW, line)
}

func eventSubject(event *model.StepEvent) string {
	if event.StepID == "" {
		return "(run)"
	}
	if event.Substep != "" {
		return event.StepID + "/" + event.Substep
	}
	return event.StepID
}
