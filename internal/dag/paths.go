package dag

import "sort"

// computeDepths assigns each node its longest path length from a root.
// Only valid on an acyclic graph, so Build runs it after cycle detection.
func (g *Graph) computeDepths() {
	memo := make(map[string]int, len(g.Nodes))

	var depth func(n *Node) int
	depth = func(n *Node) int {
		if d, ok := memo[n.ID]; ok {
			return d
		}
		d := 0
		for _, dep := range n.Deps {
			if cand := depth(dep) + 1; cand > d {
				d = cand
			}
		}
		memo[n.ID] = d
		return d
	}

	for _, node := range g.Nodes {
		node.Depth = depth(node)
	}
}

// CriticalPath returns the step ids of one longest dependency chain, root
// first. Ties break lexicographically so the report is stable between
// runs of the same definition.
func (g *Graph) CriticalPath() []string {
	var end *Node
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := g.Nodes[id]
		if end == nil || node.Depth > end.Depth {
			end = node
		}
	}
	if end == nil {
		return nil
	}

	path := []string{end.ID}
	current := end
	for current.Depth > 0 {
		var next *Node
		depIDs := make([]string, 0, len(current.Deps))
		for id := range current.Deps {
			depIDs = append(depIDs, id)
		}
		sort.Strings(depIDs)
		for _, id := range depIDs {
			dep := current.Deps[id]
			if dep.Depth == current.Depth-1 {
				next = dep
				break
			}
		}
		if next == nil {
			break
		}
		path = append([]string{next.ID}, path...)
		current = next
	}
	return path
}
