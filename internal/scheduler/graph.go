// Package scheduler executes a stack's task graph: dependency-ordered,
// concurrency across independent tasks, durable completion markers, and
// resume that re-derives the minimal set of work left to do.
package scheduler

import (
	"context"
	"fmt"
	"sort"
)

// Node is one unit of work in the task graph. A node runs once all of its
// dependencies succeeded; its terminal state is made durable at Marker.
type Node struct {
	// ID is unique within a graph and names the node in reports and logs.
	ID string

	// Run does the work. Any error is caught at the node boundary and
	// recorded in the failure marker; it never aborts sibling nodes.
	Run func(ctx context.Context) error

	// Marker is the durable completion marker path.
	Marker string

	// Outputs are the artifacts the node is expected to leave behind. A
	// success marker without them is treated as stale on resume.
	Outputs []string

	deps       []*Node
	dependents []*Node

	// satisfied marks a node whose prior success still holds; it is
	// skipped instead of run.
	satisfied bool
}

// Deps returns the node's dependencies.
func (n *Node) Deps() []*Node { return n.deps }

// StructuralError reports a task graph the scheduler cannot execute. It is
// fatal for the whole run.
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return "invalid task graph: " + e.Reason
}

// Graph is a directed acyclic dependency graph of task nodes.
type Graph struct {
	nodes []*Node
	byID  map[string]*Node
}

func NewGraph() *Graph {
	return &Graph{byID: make(map[string]*Node)}
}

// Add inserts a node. IDs must be unique.
func (g *Graph) Add(n *Node) error {
	if n.ID == "" {
		return &StructuralError{Reason: "node with empty id"}
	}
	if _, dup := g.byID[n.ID]; dup {
		return &StructuralError{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
	}
	g.nodes = append(g.nodes, n)
	g.byID[n.ID] = n
	return nil
}

// Node looks a node up by ID, nil when absent.
func (g *Graph) Node(id string) *Node { return g.byID[id] }

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node { return append([]*Node(nil), g.nodes...) }

// Connect makes child depend on parent.
func (g *Graph) Connect(parentID, childID string) error {
	parent, ok := g.byID[parentID]
	if !ok {
		return &StructuralError{Reason: fmt.Sprintf("unknown node %q", parentID)}
	}
	child, ok := g.byID[childID]
	if !ok {
		return &StructuralError{Reason: fmt.Sprintf("unknown node %q", childID)}
	}
	if parent == child {
		return &StructuralError{Reason: fmt.Sprintf("node %q depends on itself", childID)}
	}
	child.deps = append(child.deps, parent)
	parent.dependents = append(parent.dependents, child)
	return nil
}

// Sort returns the nodes in a valid execution order, or a StructuralError
// naming the cycle members when the graph is not acyclic.
func (g *Graph) Sort() ([]*Node, error) {
	indegree := make(map[*Node]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = len(n.deps)
	}

	var queue []*Node
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, d := range n.dependents {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var cycle []string
		for n, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, n.ID)
			}
		}
		sort.Strings(cycle)
		return nil, &StructuralError{Reason: fmt.Sprintf("dependency cycle involving %v", cycle)}
	}
	return order, nil
}
