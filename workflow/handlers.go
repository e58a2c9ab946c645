package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
)

// dispatch routes a node to its kind handler.
func (r *run) dispatch(ctx context.Context, n *model.Node) (nodeResult, error) {
	switch n.Kind {
	case model.KindTask:
		return r.runTask(ctx, n, false)
	case model.KindDirector:
		return r.runTask(ctx, n, true)
	case model.KindCondition:
		return r.runCondition(ctx, n)
	case model.KindParallelSplit:
		return r.runSplit(ctx, n)
	case model.KindParallelJoin:
		return r.runJoin(ctx, n)
	case model.KindHumanReview:
		return r.runHumanReview(ctx, n)
	case model.KindLoop:
		return r.runLoop(ctx, n)
	case model.KindRouter:
		return r.runRouter(ctx, n)
	case model.KindSubflow:
		return r.runSubflow(ctx, n)
	default:
		return nodeResult{}, fmt.Errorf("node %s has unhandled kind %s", n.Name, n.Kind)
	}
}

// runTask creates the node's subtask (idempotently), offers it to the
// allocator, and suspends until the worker uploads a result or the
// wall-clock budget expires. A timeout is transient: the node retries.
// With director=true, a completed result may carry a decomposition.
func (r *run) runTask(ctx context.Context, n *model.Node, director bool) (nodeResult, error) {
	st, err := r.e.store.SubtaskByNode(ctx, n.ID)
	if err != nil {
		return nodeResult{}, err
	}
	if st != nil && st.Status == model.SubtaskCompleted {
		// Resume after restart: the work already finished.
		return r.taskCompleted(ctx, n, st.Output, director)
	}
	if st == nil || st.Status.Terminal() {
		st = r.buildSubtask(n)
		if err := r.e.store.CreateSubtask(ctx, st); err != nil {
			return nodeResult{}, err
		}
	}

	ch := r.e.registerWaiter(st.ID)
	defer r.e.unregisterWaiter(st.ID)
	if r.e.kick != nil {
		r.e.kick.Kick()
	}

	timeout := r.e.cfg.SubtaskTimeout.Std()
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return nodeResult{}, outcome.err
		}
		return r.taskCompleted(ctx, n, outcome.output, director)
	case <-timer.C:
		return nodeResult{}, model.Ef(model.KindSubtaskTimeout,
			"subtask %s exceeded its %s budget", st.ID, timeout)
	case <-ctx.Done():
		return nodeResult{}, model.E(model.KindWorkflowCancelled, "workflow cancelled")
	}
}

func (r *run) taskCompleted(ctx context.Context, n *model.Node, output model.Context, director bool) (nodeResult, error) {
	res := nodeResult{
		status:       model.NodeCompleted,
		output:       output,
		contextDelta: model.Context{n.Name: map[string]any(output)},
	}
	if director && cfgBool(n, "allow_decomposition", false) {
		set, err := r.parseDecomposition(n, output)
		if err != nil {
			return nodeResult{}, err
		}
		res.appended = set
	}
	return res, nil
}

func (r *run) buildSubtask(n *model.Node) *model.Subtask {
	description := cfgString(n, "description", "")
	if description == "" {
		description = n.Name
	}
	priority := cfgInt(n, "priority", 5)
	if priority < 1 || priority > 10 {
		priority = 5
	}
	complexity := cfgInt(n, "complexity", 3)
	if complexity < 1 || complexity > 5 {
		complexity = 3
	}
	privacy := model.Privacy(cfgString(n, "privacy", string(model.PrivacyNormal)))
	if privacy != model.PrivacySensitive {
		privacy = model.PrivacyNormal
	}
	return &model.Subtask{
		ID:              uuid.New(),
		WorkflowID:      r.wf.ID,
		NodeID:          n.ID,
		Name:            n.Name,
		Description:     description,
		RecommendedTool: cfgString(n, "tool", ""),
		RequireTool:     cfgBool(n, "require_tool", false),
		Privacy:         privacy,
		Priority:        priority,
		Complexity:      complexity,
		Status:          model.SubtaskPending,
	}
}

// parseDecomposition turns a director's output into nodes and edges to
// graft. The output carries a definition fragment under "nodes"/"edges";
// the scheduler re-validates acyclicity against the live graph before
// appending.
func (r *run) parseDecomposition(n *model.Node, output model.Context) (*appendSet, error) {
	rawNodes, ok := output["nodes"]
	if !ok {
		return nil, nil
	}

	var fragment struct {
		Nodes []NodeSpec `json:"nodes"`
		Edges []EdgeSpec `json:"edges"`
	}
	raw, err := json.Marshal(map[string]any{"nodes": rawNodes, "edges": output["edges"]})
	if err != nil {
		return nil, fmt.Errorf("director %s produced unencodable output: %w", n.Name, err)
	}
	if err := json.Unmarshal(raw, &fragment); err != nil {
		return nil, fmt.Errorf("director %s produced a malformed decomposition: %w", n.Name, err)
	}
	if len(fragment.Nodes) == 0 {
		return nil, nil
	}

	byName := make(map[string]uuid.UUID, len(fragment.Nodes))
	nodes := make([]model.Node, 0, len(fragment.Nodes))
	for _, spec := range fragment.Nodes {
		if spec.Name == "" || !validKinds[spec.Kind] {
			return nil, fmt.Errorf("director %s produced node %q with kind %q", n.Name, spec.Name, spec.Kind)
		}
		if _, taken := r.g.byName[spec.Name]; taken {
			return nil, fmt.Errorf("director %s reused node name %q", n.Name, spec.Name)
		}
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		id := uuid.New()
		byName[spec.Name] = id
		nodes = append(nodes, model.Node{
			ID:         id,
			WorkflowID: r.wf.ID,
			Name:       spec.Name,
			Kind:       spec.Kind,
			Status:     model.NodePending,
			Config:     spec.Config.Clone(),
			Input:      spec.Input.Clone(),
			MaxRetries: maxRetries,
		})
	}

	resolve := func(name string) (uuid.UUID, bool) {
		if id, ok := byName[name]; ok {
			return id, true
		}
		id, ok := r.g.byName[name]
		return id, ok
	}
	edges := make([]model.Edge, 0, len(fragment.Edges)+len(nodes))
	for _, spec := range fragment.Edges {
		from, okFrom := resolve(spec.From)
		to, okTo := resolve(spec.To)
		if !okFrom || !okTo {
			return nil, fmt.Errorf("director %s edge references unknown node %q -> %q", n.Name, spec.From, spec.To)
		}
		edges = append(edges, model.Edge{
			ID:         uuid.New(),
			WorkflowID: r.wf.ID,
			FromNode:   from,
			ToNode:     to,
			Condition:  spec.Condition,
			Label:      spec.Label,
			LoopBack:   spec.LoopBack,
		})
	}
	return &appendSet{nodes: nodes, edges: edges}, nil
}

// runCondition evaluates the node's expression and deselects the losing
// branch edges. Edges labeled "true"/"false" follow the boolean result;
// edges carrying their own condition expressions are evaluated
// individually.
func (r *run) runCondition(ctx context.Context, n *model.Node) (nodeResult, error) {
	merged := r.snapshotContext().Merge(n.Input)

	expr := cfgString(n, "condition", "")
	result, err := evalCondition(expr, merged)
	if err != nil {
		return nodeResult{}, err
	}
	label := "false"
	if result {
		label = "true"
	}

	var deselect []uuid.UUID
	for _, e := range r.g.out[n.ID] {
		if e.Condition != "" {
			keep, err := evalCondition(e.Condition, merged)
			if err != nil {
				return nodeResult{}, err
			}
			if !keep {
				deselect = append(deselect, e.ID)
			}
			continue
		}
		if e.Label != "" && e.Label != label {
			deselect = append(deselect, e.ID)
		}
	}

	return nodeResult{
		status:   model.NodeCompleted,
		output:   model.Context{"result": result},
		deselect: deselect,
	}, nil
}

// runSplit fans out to every branch entry. With fail_fast disabled and a
// named join, branch failures are tolerated: the join proceeds with the
// surviving branches.
func (r *run) runSplit(ctx context.Context, n *model.Node) (nodeResult, error) {
	res := nodeResult{
		status: model.NodeCompleted,
		output: model.Context{"branches": len(r.g.out[n.ID])},
	}

	if cfgBool(n, "fail_fast", true) {
		return res, nil
	}
	joinName := cfgString(n, "join", "")
	joinID, ok := r.g.byName[joinName]
	if !ok {
		return nodeResult{}, fmt.Errorf("split %s sets fail_fast=false but names no join node", n.Name)
	}
	for _, e := range r.g.out[n.ID] {
		for _, id := range r.g.bodyNodes(e.ToNode, n.ID, joinID) {
			res.tolerate = append(res.tolerate, id)
		}
	}
	return res, nil
}

// runJoin merges the branch outputs per the configured strategy.
func (r *run) runJoin(ctx context.Context, n *model.Node) (nodeResult, error) {
	type branch struct {
		name   string
		output model.Context
		ended  time.Time
	}
	var completed []branch
	for _, e := range r.g.in[n.ID] {
		pred := r.g.node(e.FromNode)
		if pred.Status != model.NodeCompleted {
			continue
		}
		ended := time.Time{}
		if pred.EndedAt != nil {
			ended = *pred.EndedAt
		}
		completed = append(completed, branch{name: pred.Name, output: pred.Output, ended: ended})
	}
	if len(completed) == 0 {
		return nodeResult{}, model.Ef(model.KindNodeExecutionFailed,
			"join %s has no completed branches to merge", n.Name)
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].ended.Before(completed[j].ended) })

	var merged any
	switch strategy := cfgString(n, "strategy", "all"); strategy {
	case "first":
		merged = map[string]any(completed[0].output)
	case "last":
		merged = map[string]any(completed[len(completed)-1].output)
	case "all":
		all := make(map[string]any, len(completed))
		for _, b := range completed {
			all[b.name] = map[string]any(b.output)
		}
		merged = all
	case "vote":
		outputs := make([]model.Context, len(completed))
		for i, b := range completed {
			outputs[i] = b.output
		}
		merged = majorityOutput(outputs)
	default:
		return nodeResult{}, fmt.Errorf("join %s has unknown merge strategy %q", n.Name, strategy)
	}

	output := model.Context{"merged": merged, "branches": len(completed)}
	return nodeResult{
		status:       model.NodeCompleted,
		output:       output,
		contextDelta: model.Context{n.Name: merged},
	}, nil
}

// runHumanReview opens a checkpoint and suspends until a decision arrives
// (or the checkpoint expires, which fails the node). The decision picks
// the approve or reject branch; modifications fold into the workflow
// context.
func (r *run) runHumanReview(ctx context.Context, n *model.Node) (nodeResult, error) {
	cp := &model.Checkpoint{
		ID:             uuid.New(),
		WorkflowID:     r.wf.ID,
		NodeID:         n.ID,
		Status:         model.CheckpointPending,
		InputSnapshot:  n.Input.Clone(),
		Instructions:   cfgString(n, "instructions", ""),
		ReviewType:     cfgString(n, "review_type", "approval"),
		RequiredFields: cfgStringList(n, "required_fields"),
		Urgency:        cfgString(n, "urgency", "normal"),
		Assignee:       cfgString(n, "assignee", ""),
	}

	ch := r.registerDecision(n.ID)
	n.Status = model.NodeWaiting
	_ = r.e.store.UpdateNode(ctx, n)

	if r.e.checkpoints != nil {
		if err := r.e.checkpoints.Open(ctx, cp); err != nil {
			return nodeResult{}, err
		}
	}

	observability.Emit(ctx, r.e.obs, EventNodeWaiting, observability.LevelInfo, "workflow",
		map[string]any{
			"workflow_id":   r.wf.ID.String(),
			"node":          n.Name,
			"checkpoint_id": cp.ID.String(),
		})
	observability.Emit(ctx, r.e.obs, EventWorkflowPaused, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String(), "node_id": n.ID.String()})

	var decision *model.ReviewDecision
	select {
	case decision = <-ch:
	case <-ctx.Done():
		return nodeResult{}, model.E(model.KindWorkflowCancelled, "workflow cancelled")
	}
	if decision == nil {
		return nodeResult{}, model.Ef(model.KindNodeExecutionFailed,
			"review for node %s expired undecided", n.Name)
	}

	res := nodeResult{
		status: model.NodeCompleted,
		output: model.Context{
			"decision": string(decision.Type),
			"comments": decision.Comments,
			"reviewer": decision.Reviewer,
		},
	}

	approved := decision.Type == model.DecisionApprove || decision.Type == model.DecisionModify
	res.deselect = r.branchEdges(n, approved)
	if decision.Type == model.DecisionModify && len(decision.Modifications) > 0 {
		res.contextDelta = decision.Modifications.Clone()
		res.output["modifications"] = map[string]any(decision.Modifications)
	}
	return res, nil
}

// branchEdges returns the edges to deselect for a review outcome:
// the reject branch when approved, the approve branch when rejected.
// Branches resolve by config node names first, then by edge labels.
func (r *run) branchEdges(n *model.Node, approved bool) []uuid.UUID {
	loseName := cfgString(n, "reject_branch", "")
	loseLabel := "reject"
	if !approved {
		loseName = cfgString(n, "approve_branch", "")
		loseLabel = "approve"
	}
	loseID, haveName := r.g.byName[loseName]

	var deselect []uuid.UUID
	for _, e := range r.g.out[n.ID] {
		if haveName && e.ToNode == loseID {
			deselect = append(deselect, e.ID)
			continue
		}
		if !haveName && e.Label == loseLabel {
			deselect = append(deselect, e.ID)
		}
	}
	return deselect
}

// runLoop re-enters the body while the condition holds and the iteration
// budget lasts; then it completes and control flows to the exit node.
func (r *run) runLoop(ctx context.Context, n *model.Node) (nodeResult, error) {
	entryID, ok := r.g.byName[cfgString(n, "body", "")]
	if !ok {
		return nodeResult{}, fmt.Errorf("loop %s names no body entry node", n.Name)
	}
	exitID, ok := r.g.byName[cfgString(n, "exit", "")]
	if !ok {
		return nodeResult{}, fmt.Errorf("loop %s names no exit node", n.Name)
	}

	maxIter := cfgInt(n, "max_iterations", r.e.cfg.MaxLoopIterations)
	if maxIter <= 0 {
		maxIter = 100
	}
	iter := 0
	if v, ok := asFloat(n.Output["iterations"]); ok {
		iter = int(v)
	}

	proceed, err := evalCondition(cfgString(n, "condition", ""), r.snapshotContext())
	if err != nil {
		return nodeResult{}, err
	}

	if proceed && iter < maxIter {
		return nodeResult{
			output:  model.Context{"iterations": iter + 1},
			iterate: &loopIteration{body: r.g.bodyNodes(entryID, n.ID, exitID), entry: entryID},
		}, nil
	}

	// Exit: the body-entry edge goes dark so only the exit path runs.
	var deselect []uuid.UUID
	for _, e := range r.g.out[n.ID] {
		if e.ToNode == entryID {
			deselect = append(deselect, e.ID)
		}
	}
	return nodeResult{
		status:   model.NodeCompleted,
		output:   model.Context{"iterations": iter},
		deselect: deselect,
	}, nil
}

// runRouter consults the routing collaborator through the circuit breaker
// and enqueues exactly one labeled route. Callback failure (or an open
// breaker) falls back to default_route; without one, the router fails.
func (r *run) runRouter(ctx context.Context, n *model.Node) (nodeResult, error) {
	var routes []string
	for _, e := range r.g.out[n.ID] {
		if e.Label != "" {
			routes = append(routes, e.Label)
		}
	}
	if len(routes) == 0 {
		return nodeResult{}, fmt.Errorf("router %s has no labeled routes", n.Name)
	}

	chosen, routeErr := r.consultRouter(ctx, routes)
	if routeErr != nil || !containsString(routes, chosen) {
		chosen = cfgString(n, "default_route", "")
		if !containsString(routes, chosen) {
			return nodeResult{}, model.Wrap(model.KindNodeExecutionFailed, routeErr,
				"router "+n.Name+" has no usable route")
		}
	}

	var deselect []uuid.UUID
	for _, e := range r.g.out[n.ID] {
		if e.Label != chosen {
			deselect = append(deselect, e.ID)
		}
	}
	return nodeResult{
		status:   model.NodeCompleted,
		output:   model.Context{"route": chosen},
		deselect: deselect,
	}, nil
}

func (r *run) consultRouter(ctx context.Context, routes []string) (string, error) {
	if r.e.router == nil {
		return "", fmt.Errorf("no routing collaborator configured")
	}
	result, err := r.e.breaker.Execute(func() (any, error) {
		return r.e.router.Route(ctx, r.snapshotContext(), routes)
	})
	if err != nil {
		return "", err
	}
	chosen, _ := result.(string)
	return chosen, nil
}

// runSubflow instantiates the referenced template as a child workflow,
// runs it to completion, and maps its final context back into the parent.
func (r *run) runSubflow(ctx context.Context, n *model.Node) (nodeResult, error) {
	templateName := cfgString(n, "template", "")
	def, err := r.e.templates.Get(templateName)
	if err != nil {
		return nodeResult{}, err
	}

	child := *def
	child.Name = r.wf.Name + "/" + n.Name
	childCtx := def.Context.Clone()
	if inputs, ok := n.Config["inputs"].(map[string]any); ok {
		for k, v := range inputs {
			childCtx[k] = v
		}
	}
	parent := r.snapshotContext()
	for _, key := range cfgStringList(n, "input_keys") {
		if v, ok := parent[key]; ok {
			childCtx[key] = v
		}
	}
	child.Context = childCtx

	wf, err := r.e.Create(ctx, &child)
	if err != nil {
		return nodeResult{}, err
	}
	if err := r.e.Start(ctx, wf.ID); err != nil {
		return nodeResult{}, err
	}
	if err := r.e.Wait(ctx, wf.ID); err != nil {
		return nodeResult{}, model.Wrap(model.KindNodeExecutionFailed, err,
			"subflow "+templateName+" failed")
	}

	final, err := r.e.store.Workflow(ctx, wf.ID)
	if err != nil {
		return nodeResult{}, err
	}
	outputKey := cfgString(n, "output_key", n.Name)
	return nodeResult{
		status:       model.NodeCompleted,
		output:       model.Context{"workflow_id": wf.ID.String()},
		contextDelta: model.Context{outputKey: map[string]any(final.Context)},
	}, nil
}

// majorityOutput implements the vote strategy: branch outputs are grouped
// by canonical JSON and the plurality wins; ties break toward the earliest
// finisher.
func majorityOutput(outputs []model.Context) any {
	counts := make(map[string]int)
	first := make(map[string]model.Context)
	bestKey := ""
	for _, out := range outputs {
		raw, err := json.Marshal(out)
		if err != nil {
			continue
		}
		key := string(raw)
		counts[key]++
		if _, seen := first[key]; !seen {
			first[key] = out
		}
		if bestKey == "" || counts[key] > counts[bestKey] {
			bestKey = key
		}
	}
	if bestKey == "" {
		return nil
	}
	return map[string]any(first[bestKey])
}

// Config accessors tolerant of JSON round-trips (numbers arrive as
// float64).

func cfgString(n *model.Node, key, fallback string) string {
	if v, ok := n.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgBool(n *model.Node, key string, fallback bool) bool {
	if v, ok := n.Config[key].(bool); ok {
		return v
	}
	return fallback
}

func cfgInt(n *model.Node, key string, fallback int) int {
	if v, ok := asFloat(n.Config[key]); ok {
		return int(v)
	}
	return fallback
}

func cfgStringList(n *model.Node, key string) model.StringList {
	switch v := n.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make(model.StringList, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
