// Package graph implements the pure, immutable DAG operations spec §4.G
// needs over a Workflow's static node/edge lists: cycle detection,
// predecessor/successor lookup, and execution-start resolution. Grounded on
// zerostate's DAGExecutor.detectCycle/validateDAG DFS-with-recursion-stack
// pattern (other_examples/7cd4efbc...dag.go), stripped of goroutines,
// channels and prometheus — this layer runs synchronously inside a single
// Reconcile call and never mutates a Workflow's definition.
package graph

import (
	"fmt"

	"github.com/beammedia/control-plane/internal/store"
)

// Graph is a read-only view over a Workflow's nodes and edges, indexed once
// at construction for O(1) predecessor/successor lookups.
type Graph struct {
	nodes map[string]store.WorkflowNode
	edges []store.WorkflowEdge

	out map[string][]store.WorkflowEdge // source -> outgoing edges
	in  map[string][]store.WorkflowEdge // target -> incoming edges
}

// New builds a Graph from a Workflow's static definition. Returns an error
// if any edge endpoint references a node that doesn't exist (spec §3's
// Workflow invariant).
func New(w *store.Workflow) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]store.WorkflowNode, len(w.Nodes)),
		edges: w.Edges,
		out:   make(map[string][]store.WorkflowEdge),
		in:    make(map[string][]store.WorkflowEdge),
	}

	for _, n := range w.Nodes {
		g.nodes[n.ID] = n
	}

	for _, e := range w.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge %s: source %s does not exist", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge %s: target %s does not exist", e.ID, e.Target)
		}
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}

	return g, nil
}

// Node returns a node by id.
func (g *Graph) Node(id string) (store.WorkflowNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns every node id, order unspecified.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// OutEdges returns the edges leaving nodeID.
func (g *Graph) OutEdges(nodeID string) []store.WorkflowEdge {
	return g.out[nodeID]
}

// InEdges returns the edges entering nodeID.
func (g *Graph) InEdges(nodeID string) []store.WorkflowEdge {
	return g.in[nodeID]
}

// Predecessors returns the node ids with an edge into nodeID.
func (g *Graph) Predecessors(nodeID string) []string {
	edges := g.in[nodeID]
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.Source
	}
	return out
}

// Successors returns the node ids with an edge out of nodeID.
func (g *Graph) Successors(nodeID string) []string {
	edges := g.out[nodeID]
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.Target
	}
	return out
}

// HasCycle reports whether the graph contains a cycle, via DFS with a
// recursion stack — grounded directly on zerostate's detectCycle.
func (g *Graph) HasCycle() bool {
	visited := make(map[string]bool, len(g.nodes))
	recStack := make(map[string]bool, len(g.nodes))

	for id := range g.nodes {
		if !visited[id] {
			if g.detectCycle(id, visited, recStack) {
				return true
			}
		}
	}
	return false
}

func (g *Graph) detectCycle(nodeID string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	for _, next := range g.Successors(nodeID) {
		if !visited[next] {
			if g.detectCycle(next, visited, recStack) {
				return true
			}
		} else if recStack[next] {
			return true
		}
	}

	recStack[nodeID] = false
	return false
}

// ExecutionStarts resolves the set of node ids a WorkflowRun should begin
// at, per spec §3/§4.H's three ExecMode variants:
//   - all: every node with no predecessors (in-degree 0)
//   - specified_starts: exactly startNodeIDs, validated to exist
//   - isolated_nodes: every node with neither predecessors nor successors
//     (in-degree 0 and out-degree 0), a graph-wide computed set; startNodeIDs
//     is ignored for this mode
func (g *Graph) ExecutionStarts(mode store.ExecMode, startNodeIDs []string) ([]string, error) {
	switch mode {
	case store.ExecAll:
		var starts []string
		for id := range g.nodes {
			if len(g.in[id]) == 0 {
				starts = append(starts, id)
			}
		}
		return starts, nil

	case store.ExecSpecifiedStarts:
		for _, id := range startNodeIDs {
			if _, ok := g.nodes[id]; !ok {
				return nil, fmt.Errorf("start node %s does not exist", id)
			}
		}
		return startNodeIDs, nil

	case store.ExecIsolatedNodes:
		var starts []string
		for id := range g.nodes {
			if len(g.in[id]) == 0 && len(g.out[id]) == 0 {
				starts = append(starts, id)
			}
		}
		return starts, nil

	default:
		return nil, fmt.Errorf("unknown exec mode %q", mode)
	}
}

// Reachable returns every node id reachable from any of the given starts,
// inclusive, via BFS. Used to scope "is the run complete" evaluation to the
// set of nodes this run's execution mode actually touches (spec §3's
// NodeState invariant: "completion is evaluated over the reachable set").
func (g *Graph) Reachable(starts []string) map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), starts...)
	for _, s := range starts {
		seen[s] = true
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
