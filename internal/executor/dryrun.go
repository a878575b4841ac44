package executor

import (
	"context"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/dag"
	"github.com/vk/flowgrid/internal/interp"
	"github.com/zclconf/go-cty/cty"
)

// DryRun walks the graph in topological order and resolves every step's
// config without invoking any tool or writing any run state. Dependency
// outputs are stand-in unknown values, so templates that reference them
// resolve to unknowns instead of failing. The return value maps step id
// to its resolved config.
func (e *Executor) DryRun(ctx context.Context, graph *dag.Graph, rc *interp.RunContext) (map[string]map[string]cty.Value, error) {
	logger := ctxlog.FromContext(ctx)
	resolved := make(map[string]map[string]cty.Value, len(graph.Order))

	for _, node := range graph.TopoOrder() {
		if _, ok := e.registry.Tool(node.Step.Tool); !ok {
			return nil, config.NewParseError(node.ID, "step references unrecognized tool '%s'", node.Step.Tool)
		}
		vals, err := e.resolve(graph, node, rc)
		if err != nil {
			return nil, err
		}
		resolved[node.ID] = vals
		rc.SetOutput(node.ID, cty.UnknownVal(cty.DynamicPseudoType))
		logger.Debug("dry-run resolved step", "step_id", node.ID, "tool", node.Step.Tool)
	}
	return resolved, nil
}
