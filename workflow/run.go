package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
)

// nodeResult is what a node handler reports back to the scheduler.
type nodeResult struct {
	node   *model.Node
	status model.NodeStatus
	output model.Context
	err    error

	// contextDelta is folded into the workflow context on completion.
	contextDelta model.Context
	// deselect lists edges a branching node turned off.
	deselect []uuid.UUID
	// tolerate lists nodes whose failure must not fail the workflow
	// (branches under a fail_fast=false split).
	tolerate []uuid.UUID
	// iterate, when set, resets the loop body and re-enters it instead of
	// completing the node.
	iterate *loopIteration
	// appended carries a director decomposition to graft into the graph.
	appended *appendSet
}

type loopIteration struct {
	body  []uuid.UUID
	entry uuid.UUID
}

type appendSet struct {
	nodes []model.Node
	edges []model.Edge
}

// run is one workflow's scheduler. The loop goroutine owns all graph
// state; node handlers run as sibling goroutines bounded by the branch
// semaphore and only communicate through the results channel.
type run struct {
	e  *Engine
	wf *model.Workflow
	g  *graph

	indeg   map[uuid.UUID]int
	queue   []uuid.UUID
	results chan nodeResult
	sem     *semaphore.Weighted
	active  int

	deselected map[uuid.UUID]bool
	tolerant   map[uuid.UUID]bool
	failure    error

	ctx        context.Context
	cancelCtx  context.CancelFunc
	pauseFlag  atomic.Bool
	cancelFlag atomic.Bool
	wake       chan struct{}

	ctxMu sync.RWMutex
	wfCtx model.Context

	decMu     sync.Mutex
	decisions map[uuid.UUID]chan *model.ReviewDecision

	done chan struct{}
	err  error
}

func newRun(e *Engine, wf *model.Workflow, nodes []model.Node, edges []model.Edge) *run {
	parallel := int64(e.cfg.MaxParallelBranches)
	if parallel <= 0 {
		parallel = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := newGraph(nodes, edges)
	return &run{
		e:          e,
		wf:         wf,
		g:          g,
		indeg:      g.indegrees(),
		results:    make(chan nodeResult),
		sem:        semaphore.NewWeighted(parallel),
		deselected: make(map[uuid.UUID]bool),
		tolerant:   make(map[uuid.UUID]bool),
		ctx:        ctx,
		cancelCtx:  cancel,
		wake:       make(chan struct{}, 1),
		wfCtx:      wf.Context.Clone(),
		decisions:  make(map[uuid.UUID]chan *model.ReviewDecision),
		done:       make(chan struct{}),
	}
}

func (r *run) requestPause() {
	r.pauseFlag.Store(true)
	r.signal()
}

func (r *run) requestCancel() {
	r.cancelFlag.Store(true)
	r.cancelCtx()
	r.signal()
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// snapshotContext returns the current workflow context for handlers.
func (r *run) snapshotContext() model.Context {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	return r.wfCtx.Clone()
}

func (r *run) mergeContext(ctx context.Context, delta model.Context) {
	if len(delta) == 0 {
		return
	}
	r.ctxMu.Lock()
	for k, v := range delta {
		r.wfCtx[k] = v
	}
	r.ctxMu.Unlock()
	_ = r.e.store.MergeWorkflowContext(ctx, r.wf.ID, delta)
}

// loop is the scheduler: seed ready nodes, dispatch, apply results, repeat
// until terminal, paused, or cancelled. Pause and cancel flags are
// observed at every iteration boundary.
func (r *run) loop() {
	defer close(r.done)
	defer r.e.dropRun(r.wf.ID)
	ctx := context.Background()

	r.seed()

	for {
		if r.cancelFlag.Load() {
			r.finishCancelled(ctx)
			return
		}

		if r.pauseFlag.Load() {
			if r.active == 0 {
				r.finishPaused(ctx)
				return
			}
		} else {
			r.dispatchReady(ctx)
			if r.active == 0 && len(r.queue) == 0 {
				r.finishTerminal(ctx)
				return
			}
		}

		select {
		case res := <-r.results:
			r.active--
			r.apply(ctx, res)
		case <-r.wake:
		}
	}
}

// seed queues every unsatisfied node whose in-degree is already zero. For
// a fresh workflow that is the set of source nodes; for a resume it is
// whatever the pause interrupted.
func (r *run) seed() {
	for id, deg := range r.indeg {
		n := r.g.node(id)
		if deg == 0 && !n.Status.Satisfied() && n.Status != model.NodeFailed {
			r.queue = append(r.queue, id)
		}
	}
}

func (r *run) dispatchReady(ctx context.Context) {
	if r.failure != nil {
		// Nothing new runs after a fatal failure. The queue is dropped so
		// the loop can reach finishTerminal once in-flight handlers drain.
		r.queue = nil
		return
	}
	remaining := r.queue[:0]
	for i, id := range r.queue {
		n := r.g.node(id)
		if n.Status.Satisfied() {
			continue
		}
		if r.shouldSkip(n) {
			r.markSkipped(ctx, n)
			r.propagate(n)
			continue
		}
		if !r.sem.TryAcquire(1) {
			remaining = append(remaining, r.queue[i:]...)
			break
		}
		r.active++
		go r.execute(n)
	}
	r.queue = remaining
}

// shouldSkip implements transitive skip propagation: a node with incoming
// edges runs only if at least one of them is live — not deselected by a
// condition/router/review choice and not originating at a skipped node.
func (r *run) shouldSkip(n *model.Node) bool {
	in := r.g.in[n.ID]
	if len(in) == 0 {
		return false
	}
	for _, e := range in {
		if r.deselected[e.ID] {
			continue
		}
		if r.g.node(e.FromNode).Status == model.NodeSkipped {
			continue
		}
		return false
	}
	return true
}

func (r *run) markSkipped(ctx context.Context, n *model.Node) {
	n.Status = model.NodeSkipped
	now := time.Now().UTC()
	n.EndedAt = &now
	_ = r.e.store.UpdateNode(ctx, n)
	_ = r.e.store.IncrementCompletedNodes(ctx, r.wf.ID)
	observability.Emit(ctx, r.e.obs, EventNodeSkipped, observability.LevelVerbose, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String(), "node": n.Name})
}

// propagate decrements successor in-degrees after n became satisfied (or
// tolerated-failed) and queues any successor that reached zero. Loop-back
// edges re-enqueue their loop node directly; they never participate in
// in-degree counting.
func (r *run) propagate(n *model.Node) {
	for _, e := range r.g.out[n.ID] {
		r.indeg[e.ToNode]--
		if r.indeg[e.ToNode] == 0 && !r.g.node(e.ToNode).Status.Satisfied() {
			r.queue = append(r.queue, e.ToNode)
		}
	}
	for _, e := range r.g.loopOut[n.ID] {
		r.queue = append(r.queue, e.ToNode)
	}
}

// apply folds one handler result into the scheduler state.
func (r *run) apply(ctx context.Context, res nodeResult) {
	n := res.node

	for _, edgeID := range res.deselect {
		r.deselected[edgeID] = true
	}
	for _, nodeID := range res.tolerate {
		r.tolerant[nodeID] = true
	}

	switch {
	case res.iterate != nil:
		r.applyIteration(ctx, res)
		return
	case res.status == model.NodeCompleted:
		n.Status = model.NodeCompleted
		n.Output = res.output
		now := time.Now().UTC()
		n.EndedAt = &now
		_ = r.e.store.UpdateNode(ctx, n)
		_ = r.e.store.IncrementCompletedNodes(ctx, r.wf.ID)
		r.mergeContext(ctx, res.contextDelta)
		if res.appended != nil {
			r.graft(ctx, res.appended)
		}
		observability.Emit(ctx, r.e.obs, EventNodeCompleted, observability.LevelInfo, "workflow",
			map[string]any{"workflow_id": r.wf.ID.String(), "node": n.Name})
		r.propagate(n)

	case res.status == model.NodeFailed:
		n.Status = model.NodeFailed
		n.Output = res.output
		now := time.Now().UTC()
		n.EndedAt = &now
		_ = r.e.store.UpdateNode(ctx, n)
		observability.Emit(ctx, r.e.obs, EventNodeFailed, observability.LevelError, "workflow",
			map[string]any{"workflow_id": r.wf.ID.String(), "node": n.Name, "error": errString(res.err)})
		if r.tolerant[n.ID] {
			// A branch under a fail_fast=false split: the join still
			// runs with the surviving branches.
			r.propagate(n)
			return
		}
		r.failure = model.Wrap(model.KindNodeExecutionFailed, res.err, "node "+n.Name+" failed")

	case res.status == model.NodeSkipped:
		r.markSkipped(ctx, n)
		r.propagate(n)
	}
}

// applyIteration resets the loop body for the next pass and re-enters it.
func (r *run) applyIteration(ctx context.Context, res nodeResult) {
	n := res.node
	n.Status = model.NodeRunning
	n.Output = res.output
	_ = r.e.store.UpdateNode(ctx, n)

	body := res.iterate.body
	_ = r.e.store.ResetNodes(ctx, body)
	bodySet := make(map[uuid.UUID]bool, len(body))
	for _, id := range body {
		bodySet[id] = true
		bn := r.g.node(id)
		bn.Status = model.NodePending
		bn.RetryCount = 0
		bn.Output = model.Context{}
		bn.StartedAt, bn.EndedAt = nil, nil
		// ResetNodes bumped the row version; keep the in-memory copy in
		// step or every later version-guarded write matches zero rows.
		bn.Version++
	}
	// Recompute in-degrees inside the body region; edges from outside the
	// region (the loop node itself included) count only while their
	// from-node is unsatisfied, which holds for the running loop node.
	for _, id := range body {
		deg := 0
		for _, e := range r.g.in[id] {
			if r.deselected[e.ID] {
				continue
			}
			if bodySet[e.FromNode] || !r.g.node(e.FromNode).Status.Satisfied() {
				deg++
			}
		}
		r.indeg[id] = deg
	}
	// Control enters through the body entry edge from the loop node.
	r.indeg[res.iterate.entry]--
	if r.indeg[res.iterate.entry] <= 0 {
		r.indeg[res.iterate.entry] = 0
		r.queue = append(r.queue, res.iterate.entry)
	}
}

// graft integrates a director decomposition: new nodes and edges join the
// live graph with in-degrees counted the same way as at start.
func (r *run) graft(ctx context.Context, set *appendSet) {
	if err := r.validateGraft(set); err != nil {
		r.failure = err
		return
	}
	if err := r.e.store.AppendGraph(ctx, r.wf.ID, set.nodes, set.edges); err != nil {
		r.failure = err
		return
	}

	for i := range set.nodes {
		n := &set.nodes[i]
		n.Version = 1 // inserted rows carry the schema's default version
		r.g.nodes[n.ID] = n
		r.g.byName[n.Name] = n.ID
		r.indeg[n.ID] = 0
	}
	for i := range set.edges {
		e := &set.edges[i]
		if e.LoopBack {
			r.g.loopOut[e.FromNode] = append(r.g.loopOut[e.FromNode], e)
			continue
		}
		r.g.out[e.FromNode] = append(r.g.out[e.FromNode], e)
		r.g.in[e.ToNode] = append(r.g.in[e.ToNode], e)
		if !r.g.node(e.FromNode).Status.Satisfied() {
			r.indeg[e.ToNode]++
		}
	}
	for i := range set.nodes {
		if r.indeg[set.nodes[i].ID] == 0 {
			r.queue = append(r.queue, set.nodes[i].ID)
		}
	}
}

// validateGraft re-runs cycle detection over the combined graph before
// anything is persisted.
func (r *run) validateGraft(set *appendSet) error {
	combinedNodes := make([]model.Node, 0, len(r.g.nodes)+len(set.nodes))
	for _, n := range r.g.nodes {
		combinedNodes = append(combinedNodes, *n)
	}
	combinedNodes = append(combinedNodes, set.nodes...)

	var combinedEdges []model.Edge
	for _, edges := range r.g.out {
		for _, e := range edges {
			combinedEdges = append(combinedEdges, *e)
		}
	}
	for _, edges := range r.g.loopOut {
		for _, e := range edges {
			combinedEdges = append(combinedEdges, *e)
		}
	}
	combinedEdges = append(combinedEdges, set.edges...)

	_, err := topoOrder(combinedNodes, combinedEdges)
	return err
}

func (r *run) finishTerminal(ctx context.Context) {
	if r.failure != nil {
		r.err = r.failure
		_ = r.e.setWorkflowStatus(ctx, r.wf.ID, model.WorkflowFailed)
		observability.Emit(ctx, r.e.obs, EventWorkflowFailed, observability.LevelError, "workflow",
			map[string]any{"workflow_id": r.wf.ID.String(), "error": errString(r.failure)})
		return
	}

	for _, n := range r.g.nodes {
		if n.Status == model.NodeFailed && r.tolerant[n.ID] {
			continue
		}
		if !n.Status.Satisfied() {
			r.err = model.Ef(model.KindNodeExecutionFailed,
				"workflow stalled: node %s never became ready", n.Name)
			_ = r.e.setWorkflowStatus(ctx, r.wf.ID, model.WorkflowFailed)
			observability.Emit(ctx, r.e.obs, EventWorkflowFailed, observability.LevelError, "workflow",
				map[string]any{"workflow_id": r.wf.ID.String(), "error": r.err.Error()})
			return
		}
	}

	_ = r.e.setWorkflowStatus(ctx, r.wf.ID, model.WorkflowCompleted)
	observability.Emit(ctx, r.e.obs, EventWorkflowCompleted, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String()})
}

func (r *run) finishPaused(ctx context.Context) {
	r.err = model.E(model.KindWorkflowPaused, "workflow paused")
	_ = r.e.setWorkflowStatus(ctx, r.wf.ID, model.WorkflowPaused)
	observability.Emit(ctx, r.e.obs, EventWorkflowPaused, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String()})
}

func (r *run) finishCancelled(ctx context.Context) {
	r.err = model.E(model.KindWorkflowCancelled, "workflow cancelled")
	r.drainActive()
	_ = r.e.setWorkflowStatus(ctx, r.wf.ID, model.WorkflowCancelled)
	r.e.cancelWorkflowSubtasks(ctx, r.wf.ID)
	_ = r.e.store.CancelPendingCheckpoints(ctx, r.wf.ID)
	observability.Emit(ctx, r.e.obs, EventWorkflowCancelled, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String()})
}

// drainActive collects in-flight handler results after cancellation. The
// run context is already cancelled, so handlers return promptly.
func (r *run) drainActive() {
	for r.active > 0 {
		<-r.results
		r.active--
	}
}

// deliverDecision hands a review decision (nil for expiry) to the waiting
// human-review handler.
func (r *run) deliverDecision(nodeID uuid.UUID, decision *model.ReviewDecision) error {
	r.decMu.Lock()
	ch := r.decisions[nodeID]
	delete(r.decisions, nodeID)
	r.decMu.Unlock()
	if ch == nil {
		return model.Ef(model.KindNotFound, "node %s is not awaiting review", nodeID)
	}
	ch <- decision
	return nil
}

func (r *run) registerDecision(nodeID uuid.UUID) chan *model.ReviewDecision {
	ch := make(chan *model.ReviewDecision, 1)
	r.decMu.Lock()
	r.decisions[nodeID] = ch
	r.decMu.Unlock()
	return ch
}

// execute runs one node handler with the retry policy: transient failures
// back off linearly (base · (1 + retries so far)) and re-run without
// clearing inputs; non-retryable failures and exhausted budgets fail the
// node.
func (r *run) execute(n *model.Node) {
	defer r.sem.Release(1)
	ctx := r.ctx

	n.Status = model.NodeRunning
	if n.StartedAt == nil {
		now := time.Now().UTC()
		n.StartedAt = &now
	}
	_ = r.e.store.UpdateNode(ctx, n)
	observability.Emit(ctx, r.e.obs, EventNodeStart, observability.LevelVerbose, "workflow",
		map[string]any{"workflow_id": r.wf.ID.String(), "node": n.Name, "kind": string(n.Kind)})

	baseDelay := r.e.cfg.RetryBaseDelay.Std()
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}

	for {
		res, err := r.dispatch(ctx, n)
		if err == nil {
			res.node = n
			r.results <- res
			return
		}

		if model.Retryable(err) && n.RetryCount < n.MaxRetries {
			delay := time.Duration(1+n.RetryCount) * baseDelay
			n.RetryCount++
			_ = r.e.store.UpdateNode(ctx, n)
			observability.Emit(ctx, r.e.obs, EventNodeRetry, observability.LevelWarning, "workflow",
				map[string]any{
					"workflow_id": r.wf.ID.String(),
					"node":        n.Name,
					"retry":       n.RetryCount,
					"delay":       delay.String(),
					"error":       err.Error(),
				})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
			}
		}

		r.results <- nodeResult{node: n, status: model.NodeFailed, output: n.Output, err: err}
		return
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
