package dag

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/ctxlog"
)

// Build constructs a complete, validated dependency graph from a parsed
// workflow definition.
func Build(ctx context.Context, wf *config.Workflow) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting graph construction.", "workflow", wf.Name)

	graph := &Graph{Nodes: make(map[string]*Node, len(wf.Steps))}

	// First pass: create all nodes. Duplicate ids were rejected by the
	// parser, so creation cannot collide.
	for _, s := range wf.Steps {
		graph.Nodes[s.ID] = &Node{
			ID:         s.ID,
			Step:       s,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
		}
		graph.Order = append(graph.Order, s.ID)
	}
	logger.Debug("Build: node creation complete.", "node_count", len(graph.Nodes))

	// Second pass: link explicit depends_on edges and implicit edges from
	// config expression references.
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		if err := linkExplicitDeps(ctx, node, graph); err != nil {
			return nil, err
		}
		for _, expr := range node.Step.Config {
			if err := linkImplicitDeps(ctx, node, expr, graph); err != nil {
				return nil, err
			}
		}
	}
	logger.Debug("Build: node linking complete.")

	if err := graph.detectCycles(); err != nil {
		return nil, err
	}
	logger.Debug("Build: cycle detection passed.")

	// Third pass: counters and longest-path depths.
	for _, node := range graph.Nodes {
		node.SetInitialCounters()
	}
	graph.computeDepths()
	logger.Debug("Build: graph construction successful.", "critical_path", graph.CriticalPath())

	return graph, nil
}

// linkExplicitDeps resolves dependencies declared in depends_on.
func linkExplicitDeps(ctx context.Context, node *Node, graph *Graph) error {
	logger := ctxlog.FromContext(ctx)
	for _, depID := range node.Step.DependsOn {
		depNode, ok := graph.Nodes[depID]
		if !ok {
			return &ValidationError{
				Kind:    KindUnknownDependency,
				Subject: fmt.Sprintf("step %q depends on non-existent step %q", node.ID, depID),
			}
		}
		if depID == node.ID {
			return &ValidationError{Kind: KindCycle, Path: []string{node.ID, node.ID}}
		}
		if _, exists := node.Deps[depID]; !exists {
			logger.Debug("Linking explicit dependency.", "from", node.ID, "to", depID)
			node.Deps[depID] = depNode
			depNode.Dependents[node.ID] = node
		}
	}
	return nil
}

// linkImplicitDeps parses a config expression for `steps.<id>` traversals
// and links each referenced step as a dependency, so that data-flow
// references are dependencies by construction.
func linkImplicitDeps(ctx context.Context, node *Node, expr hcl.Expression, graph *Graph) error {
	logger := ctxlog.FromContext(ctx)
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "steps" || len(traversal) < 2 {
			continue
		}
		idAttr, ok := traversal[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		depID := idAttr.Name

		depNode, ok := graph.Nodes[depID]
		if !ok {
			return &ValidationError{
				Kind:    KindUnknownReference,
				Subject: fmt.Sprintf("step %q references non-existent step %q", node.ID, depID),
			}
		}
		if depID == node.ID {
			return &ValidationError{Kind: KindCycle, Path: []string{node.ID, node.ID}}
		}
		if _, exists := node.Deps[depID]; !exists {
			logger.Debug("Linking implicit dependency.", "from", node.ID, "to", depID)
			node.Deps[depID] = depNode
			depNode.Dependents[node.ID] = node
		}
	}
	return nil
}

// detectCycles checks for circular dependencies using depth-first search.
// The returned error's Path names every step on the detected cycle.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var stack []string

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.ID] = true
		stack = append(stack, node.ID)

		for _, depID := range g.Order {
			dep, ok := node.Deps[depID]
			if !ok {
				continue
			}
			if visiting[dep.ID] {
				// Slice the stack from the first occurrence of the
				// repeated node to capture the full cycle.
				start := 0
				for i, id := range stack {
					if id == dep.ID {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep.ID)
				return &ValidationError{Kind: KindCycle, Path: path}
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		delete(visiting, node.ID)
		visited[node.ID] = true
		return nil
	}

	for _, id := range g.Order {
		if !visited[id] {
			if err := visit(g.Nodes[id]); err != nil {
				return err
			}
		}
	}
	return nil
}
