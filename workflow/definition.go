// Package workflow is the DAG executor: it validates workflow graphs,
// schedules nodes by in-degree, and drives each workflow from its first
// node to a terminal state under the node-kind semantics (task, condition,
// parallel split/join, human review, loop, router, subflow, director).
package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
)

// Definition is the client-facing description of a workflow graph. Nodes
// are referenced by name; Build resolves names to ids.
type Definition struct {
	Name    string        `json:"name"`
	Type    string        `json:"type,omitempty"`
	OwnerID string        `json:"owner_id,omitempty"`
	Context model.Context `json:"context,omitempty"`
	Nodes   []NodeSpec    `json:"nodes"`
	Edges   []EdgeSpec    `json:"edges"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	Name       string         `json:"name"`
	Kind       model.NodeKind `json:"kind"`
	Config     model.Context  `json:"config,omitempty"`
	Input      model.Context  `json:"input,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// EdgeSpec declares one edge by node names. LoopBack edges close a loop
// region and are excluded from topological ordering.
type EdgeSpec struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
	LoopBack  bool   `json:"loop_back,omitempty"`
}

// validKinds guards against typoed node kinds at definition time.
var validKinds = map[model.NodeKind]bool{
	model.KindTask:          true,
	model.KindCondition:     true,
	model.KindParallelSplit: true,
	model.KindParallelJoin:  true,
	model.KindHumanReview:   true,
	model.KindLoop:          true,
	model.KindRouter:        true,
	model.KindSubflow:       true,
	model.KindDirector:      true,
}

// Build materializes the definition into persistable entities. The graph
// is validated structurally (names, references, kinds) and topologically:
// a cycle outside marked loop regions rejects the whole definition with
// cycle-detected, and nothing is persisted.
func (d *Definition) Build() (*model.Workflow, []model.Node, []model.Edge, error) {
	if d.Name == "" {
		return nil, nil, nil, fmt.Errorf("workflow definition needs a name")
	}
	if len(d.Nodes) == 0 {
		return nil, nil, nil, fmt.Errorf("workflow %q has no nodes", d.Name)
	}

	wfType := d.Type
	if wfType == "" {
		wfType = string(model.TypeGraph)
	}

	wf := &model.Workflow{
		ID:      uuid.New(),
		OwnerID: d.OwnerID,
		Name:    d.Name,
		Type:    model.WorkflowType(wfType),
		Status:  model.WorkflowPending,
		Context: d.Context.Clone(),
	}
	if wf.Context == nil {
		wf.Context = model.Context{}
	}

	byName := make(map[string]uuid.UUID, len(d.Nodes))
	nodes := make([]model.Node, 0, len(d.Nodes))
	for _, spec := range d.Nodes {
		if spec.Name == "" {
			return nil, nil, nil, fmt.Errorf("workflow %q has an unnamed node", d.Name)
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate node name %q", spec.Name)
		}
		if !validKinds[spec.Kind] {
			return nil, nil, nil, fmt.Errorf("node %q has unknown kind %q", spec.Name, spec.Kind)
		}

		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		id := uuid.New()
		byName[spec.Name] = id
		nodes = append(nodes, model.Node{
			ID:         id,
			WorkflowID: wf.ID,
			Name:       spec.Name,
			Kind:       spec.Kind,
			Status:     model.NodePending,
			Config:     spec.Config.Clone(),
			Input:      spec.Input.Clone(),
			MaxRetries: maxRetries,
		})
	}

	edges := make([]model.Edge, 0, len(d.Edges))
	for _, spec := range d.Edges {
		from, ok := byName[spec.From]
		if !ok {
			return nil, nil, nil, fmt.Errorf("edge references unknown node %q", spec.From)
		}
		to, ok := byName[spec.To]
		if !ok {
			return nil, nil, nil, fmt.Errorf("edge references unknown node %q", spec.To)
		}
		edges = append(edges, model.Edge{
			ID:         uuid.New(),
			WorkflowID: wf.ID,
			FromNode:   from,
			ToNode:     to,
			Condition:  spec.Condition,
			Label:      spec.Label,
			LoopBack:   spec.LoopBack,
		})
	}

	if _, err := topoOrder(nodes, edges); err != nil {
		return nil, nil, nil, err
	}
	return wf, nodes, edges, nil
}
