package workflow

import (
	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
)

// graph is the scheduler's view of a workflow: adjacency over forward
// edges, with loop-back edges kept aside so they never feed topological
// ordering or in-degree counting.
type graph struct {
	nodes   map[uuid.UUID]*model.Node
	byName  map[string]uuid.UUID
	out     map[uuid.UUID][]*model.Edge // forward edges by from-node
	in      map[uuid.UUID][]*model.Edge // forward edges by to-node
	loopOut map[uuid.UUID][]*model.Edge // loop-back edges by from-node
}

func newGraph(nodes []model.Node, edges []model.Edge) *graph {
	g := &graph{
		nodes:   make(map[uuid.UUID]*model.Node, len(nodes)),
		byName:  make(map[string]uuid.UUID, len(nodes)),
		out:     make(map[uuid.UUID][]*model.Edge),
		in:      make(map[uuid.UUID][]*model.Edge),
		loopOut: make(map[uuid.UUID][]*model.Edge),
	}
	for i := range nodes {
		n := &nodes[i]
		g.nodes[n.ID] = n
		g.byName[n.Name] = n.ID
	}
	for i := range edges {
		e := &edges[i]
		if e.LoopBack {
			g.loopOut[e.FromNode] = append(g.loopOut[e.FromNode], e)
			continue
		}
		g.out[e.FromNode] = append(g.out[e.FromNode], e)
		g.in[e.ToNode] = append(g.in[e.ToNode], e)
	}
	return g
}

// topoOrder runs Kahn's algorithm over the forward edges. Loop-back edges
// are excluded, so a well-formed loop region does not count as a cycle;
// any remaining cycle rejects the graph with cycle-detected.
func topoOrder(nodes []model.Node, edges []model.Edge) ([]uuid.UUID, error) {
	indeg := make(map[uuid.UUID]int, len(nodes))
	out := make(map[uuid.UUID][]uuid.UUID)
	for i := range nodes {
		indeg[nodes[i].ID] = 0
	}
	for i := range edges {
		e := &edges[i]
		if e.LoopBack {
			continue
		}
		out[e.FromNode] = append(out[e.FromNode], e.ToNode)
		indeg[e.ToNode]++
	}

	queue := make([]uuid.UUID, 0, len(nodes))
	for i := range nodes {
		if indeg[nodes[i].ID] == 0 {
			queue = append(queue, nodes[i].ID)
		}
	}

	order := make([]uuid.UUID, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, succ := range out[id] {
			indeg[succ]--
			if indeg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, model.E(model.KindCycleDetected, "workflow graph contains a cycle outside loop regions")
	}
	return order, nil
}

// node panics on an unknown id; scheduler state and graph are built from
// the same snapshot, so a miss is a programming error.
func (g *graph) node(id uuid.UUID) *model.Node {
	n, ok := g.nodes[id]
	if !ok {
		panic("workflow: unknown node " + id.String())
	}
	return n
}

// indegrees computes the scheduler's starting counters, skipping edges
// whose from-node is already satisfied (completed or skipped). That makes
// the same computation serve both fresh starts and resumes.
func (g *graph) indegrees() map[uuid.UUID]int {
	indeg := make(map[uuid.UUID]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = 0
	}
	for to, edges := range g.in {
		for _, e := range edges {
			if g.node(e.FromNode).Status.Satisfied() {
				continue
			}
			indeg[to]++
		}
	}
	return indeg
}

// bodyNodes collects the loop-body region: every node reachable from the
// body entry over forward edges without passing through the loop node or
// the exit node.
func (g *graph) bodyNodes(entry, loopNode, exit uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{loopNode: true, exit: true}
	var body []uuid.UUID
	stack := []uuid.UUID{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		body = append(body, id)
		for _, e := range g.out[id] {
			stack = append(stack, e.ToNode)
		}
	}
	return body
}
