package dag

import (
	"sync/atomic"

	"github.com/vk/flowgrid/internal/config"
)

// Graph is the validated dependency graph over a workflow's steps. Nodes
// and edges are immutable after Build; only the per-node pending
// dependency counters mutate during execution.
type Graph struct {
	// Nodes stores all nodes keyed by step id.
	Nodes map[string]*Node
	// Order preserves the definition's declaration order of step ids.
	Order []string
}

// Node is a single step in the graph together with its edges.
type Node struct {
	ID   string
	Step *config.Step

	// Deps holds the nodes this node depends on (predecessors).
	Deps map[string]*Node
	// Dependents holds the nodes that depend on this node (successors).
	Dependents map[string]*Node

	// Depth is the longest path length from any root to this node,
	// computed at validation time.
	Depth int

	// depCount is the number of dependencies not yet completed. The
	// executor decrements it as parents finish; at zero the node joins
	// the frontier.
	depCount atomic.Int32
}

// SetInitialCounters primes the pending-dependency counter from the edge
// set. Called once by Build before execution starts.
func (n *Node) SetInitialCounters() {
	n.depCount.Store(int32(len(n.Deps)))
}

// InDegree reports the number of dependencies not yet completed.
func (n *Node) InDegree() int {
	return int(n.depCount.Load())
}

// MarkDepDone decrements the pending-dependency counter and reports
// whether the node just became ready.
func (n *Node) MarkDepDone() bool {
	return n.depCount.Add(-1) == 0
}

// Roots returns the nodes with no dependencies, in declaration order.
func (g *Graph) Roots() []*Node {
	var roots []*Node
	for _, id := range g.Order {
		node := g.Nodes[id]
		if len(node.Deps) == 0 {
			roots = append(roots, node)
		}
	}
	return roots
}

// DeclaredDeps returns a node's dependency nodes in the order the step's
// depends_on list declared them, with implicit (expression-derived)
// dependencies appended in declaration order of the graph. Fan-in
// aggregation relies on this ordering being deterministic.
func (g *Graph) DeclaredDeps(node *Node) []*Node {
	seen := make(map[string]struct{}, len(node.Deps))
	deps := make([]*Node, 0, len(node.Deps))
	for _, id := range node.Step.DependsOn {
		if dep, ok := node.Deps[id]; ok {
			if _, dup := seen[id]; !dup {
				deps = append(deps, dep)
				seen[id] = struct{}{}
			}
		}
	}
	for _, id := range g.Order {
		if _, linked := node.Deps[id]; !linked {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		deps = append(deps, g.Nodes[id])
		seen[id] = struct{}{}
	}
	return deps
}

// TopoOrder returns all nodes in a deterministic topological order
// (Kahn's algorithm, declaration order among ties). Used by dry-run.
func (g *Graph) TopoOrder() []*Node {
	indeg := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		indeg[id] = len(node.Deps)
	}

	var order []*Node
	queue := make([]string, 0, len(g.Nodes))
	for _, id := range g.Order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := g.Nodes[id]
		order = append(order, node)
		for _, depID := range g.Order {
			dependent, ok := node.Dependents[depID]
			if !ok {
				continue
			}
			indeg[dependent.ID]--
			if indeg[dependent.ID] == 0 {
				queue = append(queue, dependent.ID)
			}
		}
	}
	return order
}
