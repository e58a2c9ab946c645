package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
)

// memStore is an in-memory Store for executor tests.
type memStore struct {
	mu                   sync.Mutex
	workflows            map[uuid.UUID]*model.Workflow
	nodes                map[uuid.UUID]*model.Node
	nodeOrder            map[uuid.UUID][]uuid.UUID
	edges                map[uuid.UUID][]model.Edge
	subtasks             map[uuid.UUID]*model.Subtask
	subtaskByNode        map[uuid.UUID]uuid.UUID
	cancelledCheckpoints int
}

func newMemStore() *memStore {
	return &memStore{
		workflows:     make(map[uuid.UUID]*model.Workflow),
		nodes:         make(map[uuid.UUID]*model.Node),
		nodeOrder:     make(map[uuid.UUID][]uuid.UUID),
		edges:         make(map[uuid.UUID][]model.Edge),
		subtasks:      make(map[uuid.UUID]*model.Subtask),
		subtaskByNode: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *memStore) Workflow(_ context.Context, id uuid.UUID) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, model.Ef(model.KindNotFound, "workflow %s not found", id)
	}
	copied := *wf
	return &copied, nil
}

func (s *memStore) CreateWorkflowGraph(_ context.Context, wf *model.Workflow, nodes []model.Node, edges []model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *wf
	copied.TotalNodes = len(nodes)
	s.workflows[wf.ID] = &copied
	for i := range nodes {
		n := nodes[i]
		n.Version = 1 // rows carry the schema's default version
		s.nodes[n.ID] = &n
		s.nodeOrder[wf.ID] = append(s.nodeOrder[wf.ID], n.ID)
	}
	s.edges[wf.ID] = append([]model.Edge(nil), edges...)
	return nil
}

func (s *memStore) NodesByWorkflow(_ context.Context, workflowID uuid.UUID) ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Node
	for _, id := range s.nodeOrder[workflowID] {
		out = append(out, *s.nodes[id])
	}
	return out, nil
}

func (s *memStore) EdgesByWorkflow(_ context.Context, workflowID uuid.UUID) ([]model.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Edge(nil), s.edges[workflowID]...), nil
}

func (s *memStore) UpdateWorkflowStatus(_ context.Context, id uuid.UUID, status model.WorkflowStatus, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return model.Ef(model.KindNotFound, "workflow %s not found", id)
	}
	if wf.Version != version {
		return model.Ef(model.KindStaleVersion, "workflow %s version moved", id)
	}
	wf.Status = status
	wf.Version++
	return nil
}

func (s *memStore) MergeWorkflowContext(_ context.Context, id uuid.UUID, delta model.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return model.Ef(model.KindNotFound, "workflow %s not found", id)
	}
	wf.Context = wf.Context.Merge(delta)
	return nil
}

func (s *memStore) IncrementCompletedNodes(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.workflows[id]; ok {
		wf.CompletedNodes++
	}
	return nil
}

func (s *memStore) UpdateNode(_ context.Context, n *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodes[n.ID]
	if !ok {
		return model.Ef(model.KindNotFound, "node %s not found", n.ID)
	}
	if cur.Version != n.Version {
		return model.Ef(model.KindStaleVersion, "node %s version moved", n.ID)
	}
	copied := *n
	copied.Version++
	s.nodes[n.ID] = &copied
	n.Version++
	return nil
}

func (s *memStore) ResetNodes(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			n.Status = model.NodePending
			n.Output = model.Context{}
			n.RetryCount = 0
			n.StartedAt, n.EndedAt = nil, nil
			n.Version++
		}
		if stID, ok := s.subtaskByNode[id]; ok {
			if st := s.subtasks[stID]; st.Status == model.SubtaskCompleted {
				st.Status = model.SubtaskCancelled
			}
		}
	}
	return nil
}

func (s *memStore) AppendGraph(_ context.Context, workflowID uuid.UUID, nodes []model.Node, edges []model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range nodes {
		n := nodes[i]
		n.Version = 1
		s.nodes[n.ID] = &n
		s.nodeOrder[workflowID] = append(s.nodeOrder[workflowID], n.ID)
	}
	s.edges[workflowID] = append(s.edges[workflowID], edges...)
	if wf, ok := s.workflows[workflowID]; ok {
		wf.TotalNodes += len(nodes)
	}
	return nil
}

func (s *memStore) CreateSubtask(_ context.Context, st *model.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *st
	s.subtasks[st.ID] = &copied
	s.subtaskByNode[st.NodeID] = st.ID
	return nil
}

func (s *memStore) SubtaskByNode(_ context.Context, nodeID uuid.UUID) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.subtaskByNode[nodeID]
	if !ok {
		return nil, nil
	}
	copied := *s.subtasks[id]
	return &copied, nil
}

func (s *memStore) InProgressByWorkflow(_ context.Context, workflowID uuid.UUID) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subtask
	for _, st := range s.subtasks {
		if st.WorkflowID == workflowID && st.Status == model.SubtaskInProgress {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *memStore) CancelPendingCheckpoints(_ context.Context, workflowID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelledCheckpoints++
	return nil
}

func (s *memStore) nodeByName(workflowID uuid.UUID, name string) *model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.nodeOrder[workflowID] {
		if s.nodes[id].Name == name {
			copied := *s.nodes[id]
			return &copied
		}
	}
	return nil
}

func (s *memStore) workflowStatus(id uuid.UUID) model.WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflows[id].Status
}

// autoWorker plays the allocator-plus-worker side: it polls the engine's
// registered waiters and answers each subtask by name.
type autoWorker struct {
	e  *Engine
	st *memStore

	mu       sync.Mutex
	outputs  map[string]model.Context
	failures map[string]int
	attempts map[string]int
}

func newAutoWorker(t *testing.T, e *Engine, st *memStore) *autoWorker {
	w := &autoWorker{
		e:        e,
		st:       st,
		outputs:  make(map[string]model.Context),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				w.serve()
			}
		}
	}()
	return w
}

func (w *autoWorker) answer(name string, output model.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputs[name] = output
}

func (w *autoWorker) failOnce(name string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[name] = n
}

func (w *autoWorker) attemptCount(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[name]
}

func (w *autoWorker) serve() {
	w.e.mu.Lock()
	ids := make([]uuid.UUID, 0, len(w.e.waiters))
	for id := range w.e.waiters {
		ids = append(ids, id)
	}
	w.e.mu.Unlock()

	for _, id := range ids {
		w.st.mu.Lock()
		st, ok := w.st.subtasks[id]
		name := ""
		if ok {
			name = st.Name
		}
		w.st.mu.Unlock()
		if !ok {
			continue
		}

		w.mu.Lock()
		output, known := w.outputs[name]
		remaining := w.failures[name]
		if !known && remaining == 0 {
			w.mu.Unlock()
			continue
		}
		w.attempts[name]++
		if remaining > 0 {
			w.failures[name] = remaining - 1
			w.mu.Unlock()
			w.e.NotifySubtaskResult(id, nil, model.E(model.KindWorkerDead, "worker died mid-task"))
			continue
		}
		w.mu.Unlock()

		w.st.mu.Lock()
		w.st.subtasks[id].Status = model.SubtaskCompleted
		w.st.subtasks[id].Output = output.Clone()
		w.st.mu.Unlock()
		w.e.NotifySubtaskResult(id, output.Clone(), nil)
	}
}

func testEngine(t *testing.T, opts ...Option) (*Engine, *memStore, *autoWorker) {
	st := newMemStore()
	cfg := config.DefaultExecutorConfig()
	cfg.RetryBaseDelay = config.D(time.Millisecond)
	cfg.SubtaskTimeout = config.D(2 * time.Second)
	e := NewEngine(cfg, st, observability.NoOpObserver{}, opts...)
	return e, st, newAutoWorker(t, e, st)
}

func startAndWait(t *testing.T, e *Engine, workflowID uuid.UUID) error {
	t.Helper()
	if err := e.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Wait(ctx, workflowID)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestSequentialWorkflowCompletes(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("extract", model.Context{"rows": 120})
	w.answer("transform", model.Context{"rows": 118})
	w.answer("load", model.Context{"rows": 118})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "etl",
		Nodes: []NodeSpec{
			{Name: "extract", Kind: model.KindTask},
			{Name: "transform", Kind: model.KindTask},
			{Name: "load", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "extract", To: "transform"},
			{From: "transform", To: "load"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowCompleted {
		t.Fatalf("workflow status = %s, want completed", got)
	}
	for _, name := range []string{"extract", "transform", "load"} {
		if n := st.nodeByName(wf.ID, name); n.Status != model.NodeCompleted {
			t.Fatalf("node %s status = %s, want completed", name, n.Status)
		}
	}

	final, _ := st.Workflow(context.Background(), wf.ID)
	if final.CompletedNodes != 3 {
		t.Fatalf("completed nodes = %d, want 3", final.CompletedNodes)
	}
	if _, ok := final.Context["transform"]; !ok {
		t.Fatal("transform output never reached the workflow context")
	}
}

func TestParallelJoinMergesAllBranches(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("left", model.Context{"v": "L"})
	w.answer("right", model.Context{"v": "R"})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "fanout",
		Nodes: []NodeSpec{
			{Name: "split", Kind: model.KindParallelSplit},
			{Name: "left", Kind: model.KindTask},
			{Name: "right", Kind: model.KindTask},
			{Name: "join", Kind: model.KindParallelJoin, Config: model.Context{"strategy": "all"}},
		},
		Edges: []EdgeSpec{
			{From: "split", To: "left"},
			{From: "split", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	join := st.nodeByName(wf.ID, "join")
	merged, ok := join.Output["merged"].(map[string]any)
	if !ok {
		t.Fatalf("join output %v carries no merged map", join.Output)
	}
	if _, ok := merged["left"]; !ok {
		t.Fatal("merged output is missing the left branch")
	}
	if _, ok := merged["right"]; !ok {
		t.Fatal("merged output is missing the right branch")
	}
}

func TestConditionSkipsLosingBranch(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("ship", model.Context{"done": true})
	w.answer("hold", model.Context{"done": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name:    "gate",
		Context: model.Context{"approved": true},
		Nodes: []NodeSpec{
			{Name: "check", Kind: model.KindCondition, Config: model.Context{"condition": "approved == true"}},
			{Name: "ship", Kind: model.KindTask},
			{Name: "hold", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "check", To: "ship", Label: "true"},
			{From: "check", To: "hold", Label: "false"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "ship"); n.Status != model.NodeCompleted {
		t.Fatalf("ship status = %s, want completed", n.Status)
	}
	if n := st.nodeByName(wf.ID, "hold"); n.Status != model.NodeSkipped {
		t.Fatalf("hold status = %s, want skipped", n.Status)
	}
	if w.attemptCount("hold") != 0 {
		t.Fatal("the skipped branch must never reach a worker")
	}
}

func TestTransientWorkerFailureRetries(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("flaky", model.Context{"ok": true})
	w.failOnce("flaky", 1)

	wf, err := e.Create(context.Background(), &Definition{
		Name:  "retry",
		Nodes: []NodeSpec{{Name: "flaky", Kind: model.KindTask}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "flaky"); n.Status != model.NodeCompleted || n.RetryCount != 1 {
		t.Fatalf("node status=%s retries=%d, want completed after 1 retry", n.Status, n.RetryCount)
	}
	if got := w.attemptCount("flaky"); got != 2 {
		t.Fatalf("worker saw %d attempts, want 2", got)
	}
}

func TestRetryBudgetExhaustionFailsWorkflow(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("doomed", model.Context{"ok": true})
	w.failOnce("doomed", 3)

	wf, err := e.Create(context.Background(), &Definition{
		Name:  "doom",
		Nodes: []NodeSpec{{Name: "doomed", Kind: model.KindTask, MaxRetries: 2}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = startAndWait(t, e, wf.ID)
	if !model.IsKind(err, model.KindNodeExecutionFailed) {
		t.Fatalf("want node-execution-failed, got %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowFailed {
		t.Fatalf("workflow status = %s, want failed", got)
	}
	if n := st.nodeByName(wf.ID, "doomed"); n.Status != model.NodeFailed {
		t.Fatalf("node status = %s, want failed", n.Status)
	}
}

func TestNodeFailureDrainsQueuedSuccessors(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("post", model.Context{"ok": true})
	w.failOnce("boom", 4) // outlasts the default retry budget of 3

	wf, err := e.Create(context.Background(), &Definition{
		Name: "halt",
		Nodes: []NodeSpec{
			{Name: "prep", Kind: model.KindTask},
			{Name: "post", Kind: model.KindTask},
			{Name: "boom", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{{From: "prep", To: "post"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Start(context.Background(), wf.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the independent node exhaust its budget before prep finishes, so
	// post lands in the queue of an already-failed run.
	waitUntil(t, func() bool {
		n := st.nodeByName(wf.ID, "boom")
		return n != nil && n.Status == model.NodeFailed
	})
	w.answer("prep", model.Context{"ok": true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx, wf.ID); !model.IsKind(err, model.KindNodeExecutionFailed) {
		t.Fatalf("want node-execution-failed, got %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowFailed {
		t.Fatalf("workflow status = %s, want failed", got)
	}
	if n := st.nodeByName(wf.ID, "post"); n.Status == model.NodeCompleted {
		t.Fatal("successors queued after the failure must not run")
	}
}

func TestCreateRejectsCyclicGraph(t *testing.T) {
	e, st, _ := testEngine(t)
	_, err := e.Create(context.Background(), &Definition{
		Name: "cyclic",
		Nodes: []NodeSpec{
			{Name: "a", Kind: model.KindTask},
			{Name: "b", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	})
	if !model.IsKind(err, model.KindCycleDetected) {
		t.Fatalf("want cycle-detected, got %v", err)
	}
	if len(st.workflows) != 0 {
		t.Fatal("a rejected definition must not be persisted")
	}
}

type captureCheckpoints struct {
	mu sync.Mutex
	cp *model.Checkpoint
}

func (c *captureCheckpoints) Open(_ context.Context, cp *model.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cp = cp
	return nil
}

func (c *captureCheckpoints) opened() *model.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cp
}

func TestHumanReviewApprovePath(t *testing.T) {
	checkpoints := &captureCheckpoints{}
	e, st, w := testEngine(t, WithCheckpoints(checkpoints))
	w.answer("publish", model.Context{"ok": true})
	w.answer("rework", model.Context{"ok": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "review",
		Nodes: []NodeSpec{
			{Name: "gate", Kind: model.KindHumanReview, Config: model.Context{
				"instructions":   "check the draft",
				"approve_branch": "publish",
				"reject_branch":  "rework",
			}},
			{Name: "publish", Kind: model.KindTask},
			{Name: "rework", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "gate", To: "publish"},
			{From: "gate", To: "rework"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Start(context.Background(), wf.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitUntil(t, func() bool { return checkpoints.opened() != nil })
	cp := checkpoints.opened()
	if cp.WorkflowID != wf.ID || cp.Instructions != "check the draft" {
		t.Fatalf("checkpoint %+v does not match the gate node", cp)
	}
	if n := st.nodeByName(wf.ID, "gate"); n.Status != model.NodeWaiting {
		t.Fatalf("gate status = %s, want waiting", n.Status)
	}

	decision := &model.ReviewDecision{Type: model.DecisionApprove, Reviewer: "qa"}
	if err := e.ResumeAfterReview(context.Background(), wf.ID, cp.NodeID, decision); err != nil {
		t.Fatalf("ResumeAfterReview: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "publish"); n.Status != model.NodeCompleted {
		t.Fatalf("publish status = %s, want completed", n.Status)
	}
	if n := st.nodeByName(wf.ID, "rework"); n.Status != model.NodeSkipped {
		t.Fatalf("rework status = %s, want skipped", n.Status)
	}
}

func TestHumanReviewRejectPath(t *testing.T) {
	checkpoints := &captureCheckpoints{}
	e, st, w := testEngine(t, WithCheckpoints(checkpoints))
	w.answer("publish", model.Context{"ok": true})
	w.answer("rework", model.Context{"ok": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "review-reject",
		Nodes: []NodeSpec{
			{Name: "gate", Kind: model.KindHumanReview, Config: model.Context{
				"approve_branch": "publish",
				"reject_branch":  "rework",
			}},
			{Name: "publish", Kind: model.KindTask},
			{Name: "rework", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "gate", To: "publish"},
			{From: "gate", To: "rework"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Start(context.Background(), wf.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return checkpoints.opened() != nil })

	decision := &model.ReviewDecision{Type: model.DecisionReject, Reviewer: "qa"}
	if err := e.ResumeAfterReview(context.Background(), wf.ID, checkpoints.opened().NodeID, decision); err != nil {
		t.Fatalf("ResumeAfterReview: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "rework"); n.Status != model.NodeCompleted {
		t.Fatalf("rework status = %s, want completed", n.Status)
	}
	if n := st.nodeByName(wf.ID, "publish"); n.Status != model.NodeSkipped {
		t.Fatalf("publish status = %s, want skipped", n.Status)
	}
}

func TestHumanReviewExpiryFailsNode(t *testing.T) {
	checkpoints := &captureCheckpoints{}
	e, st, _ := testEngine(t, WithCheckpoints(checkpoints))

	wf, err := e.Create(context.Background(), &Definition{
		Name:  "expiry",
		Nodes: []NodeSpec{{Name: "gate", Kind: model.KindHumanReview}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Start(context.Background(), wf.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return checkpoints.opened() != nil })

	if err := e.ExpireReview(context.Background(), wf.ID, checkpoints.opened().NodeID); err != nil {
		t.Fatalf("ExpireReview: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx, wf.ID); !model.IsKind(err, model.KindNodeExecutionFailed) {
		t.Fatalf("want node-execution-failed after expiry, got %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowFailed {
		t.Fatalf("workflow status = %s, want failed", got)
	}
}

type stubRouter struct {
	route string
	err   error
}

func (r stubRouter) Route(_ context.Context, _ model.Context, _ []string) (string, error) {
	return r.route, r.err
}

func TestRouterPicksLabeledRoute(t *testing.T) {
	e, st, w := testEngine(t, WithRouter(stubRouter{route: "fast"}))
	w.answer("fastlane", model.Context{"ok": true})
	w.answer("slowlane", model.Context{"ok": true})

	wf := createRouterWorkflow(t, e, model.Context{})
	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "fastlane"); n.Status != model.NodeCompleted {
		t.Fatalf("fastlane status = %s, want completed", n.Status)
	}
	if n := st.nodeByName(wf.ID, "slowlane"); n.Status != model.NodeSkipped {
		t.Fatalf("slowlane status = %s, want skipped", n.Status)
	}
}

func TestRouterFallsBackToDefaultRoute(t *testing.T) {
	e, st, w := testEngine(t, WithRouter(stubRouter{err: errors.New("model unavailable")}))
	w.answer("fastlane", model.Context{"ok": true})
	w.answer("slowlane", model.Context{"ok": true})

	wf := createRouterWorkflow(t, e, model.Context{"default_route": "slow"})
	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := st.nodeByName(wf.ID, "slowlane"); n.Status != model.NodeCompleted {
		t.Fatalf("slowlane status = %s, want completed", n.Status)
	}
	if n := st.nodeByName(wf.ID, "fastlane"); n.Status != model.NodeSkipped {
		t.Fatalf("fastlane status = %s, want skipped", n.Status)
	}
}

func createRouterWorkflow(t *testing.T, e *Engine, routerCfg model.Context) *model.Workflow {
	t.Helper()
	wf, err := e.Create(context.Background(), &Definition{
		Name: "routed",
		Nodes: []NodeSpec{
			{Name: "route", Kind: model.KindRouter, Config: routerCfg},
			{Name: "fastlane", Kind: model.KindTask},
			{Name: "slowlane", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "route", To: "fastlane", Label: "fast"},
			{From: "route", To: "slowlane", Label: "slow"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return wf
}

func TestLoopRunsUntilIterationBudget(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("refine", model.Context{"pass": true})
	w.answer("wrapup", model.Context{"ok": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "polish",
		Nodes: []NodeSpec{
			{Name: "cycle", Kind: model.KindLoop, Config: model.Context{
				"body":           "refine",
				"exit":           "wrapup",
				"max_iterations": 3,
			}},
			{Name: "refine", Kind: model.KindTask},
			{Name: "wrapup", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{
			{From: "cycle", To: "refine"},
			{From: "refine", To: "cycle", LoopBack: true},
			{From: "cycle", To: "wrapup"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := w.attemptCount("refine"); got != 3 {
		t.Fatalf("body ran %d times, want 3", got)
	}
	cycle := st.nodeByName(wf.ID, "cycle")
	if iters, _ := asFloat(cycle.Output["iterations"]); int(iters) != 3 {
		t.Fatalf("loop output %v does not record 3 iterations", cycle.Output)
	}
	if n := st.nodeByName(wf.ID, "wrapup"); n.Status != model.NodeCompleted {
		t.Fatalf("wrapup status = %s, want completed", n.Status)
	}
}

func TestSubflowRunsTemplate(t *testing.T) {
	templates := NewTemplateRegistry()
	err := templates.Register("enrich", &Definition{
		Name:  "enrich",
		Nodes: []NodeSpec{{Name: "lookup", Kind: model.KindTask}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, st, w := testEngine(t, WithTemplates(templates))
	w.answer("lookup", model.Context{"country": "NL"})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "parent",
		Nodes: []NodeSpec{
			{Name: "child", Kind: model.KindSubflow, Config: model.Context{
				"template":   "enrich",
				"output_key": "enriched",
			}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	final, _ := st.Workflow(context.Background(), wf.ID)
	enriched, ok := final.Context["enriched"].(map[string]any)
	if !ok {
		t.Fatalf("parent context %v carries no subflow result", final.Context)
	}
	if _, ok := enriched["lookup"]; !ok {
		t.Fatal("subflow result is missing the child node output")
	}
}

func TestDirectorDecompositionGraftsNodes(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("plan", model.Context{
		"nodes": []any{
			map[string]any{"name": "step-1", "kind": "task"},
			map[string]any{"name": "step-2", "kind": "task"},
		},
		"edges": []any{
			map[string]any{"from": "step-1", "to": "step-2"},
		},
	})
	w.answer("step-1", model.Context{"ok": true})
	w.answer("step-2", model.Context{"ok": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "directed",
		Nodes: []NodeSpec{
			{Name: "plan", Kind: model.KindDirector, Config: model.Context{"allow_decomposition": true}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, name := range []string{"step-1", "step-2"} {
		n := st.nodeByName(wf.ID, name)
		if n == nil || n.Status != model.NodeCompleted {
			t.Fatalf("grafted node %s never completed: %+v", name, n)
		}
	}
	final, _ := st.Workflow(context.Background(), wf.ID)
	if final.TotalNodes != 3 || final.CompletedNodes != 3 {
		t.Fatalf("totals = %d/%d, want 3/3", final.CompletedNodes, final.TotalNodes)
	}
}

func TestCancelStopsWaitingWorkflow(t *testing.T) {
	e, st, _ := testEngine(t)
	// No worker answer for "stuck": the handler stays parked.

	wf, err := e.Create(context.Background(), &Definition{
		Name:  "cancelme",
		Nodes: []NodeSpec{{Name: "stuck", Kind: model.KindTask}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Start(context.Background(), wf.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.waiters) > 0
	})

	if err := e.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx, wf.ID); !model.IsKind(err, model.KindWorkflowCancelled) {
		t.Fatalf("want workflow-cancelled, got %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowCancelled {
		t.Fatalf("workflow status = %s, want cancelled", got)
	}
	st.mu.Lock()
	cancelled := st.cancelledCheckpoints
	st.mu.Unlock()
	if cancelled == 0 {
		t.Fatal("pending checkpoints were not cancelled")
	}
}

func TestStartResumesPausedWorkflow(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("second", model.Context{"ok": true})

	wf, err := e.Create(context.Background(), &Definition{
		Name: "resume",
		Nodes: []NodeSpec{
			{Name: "first", Kind: model.KindTask},
			{Name: "second", Kind: model.KindTask},
		},
		Edges: []EdgeSpec{{From: "first", To: "second"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate an earlier run that completed "first" and then paused.
	st.mu.Lock()
	st.workflows[wf.ID].Status = model.WorkflowPaused
	for _, id := range st.nodeOrder[wf.ID] {
		if st.nodes[id].Name == "first" {
			st.nodes[id].Status = model.NodeCompleted
		}
	}
	st.workflows[wf.ID].CompletedNodes = 1
	st.mu.Unlock()

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowCompleted {
		t.Fatalf("workflow status = %s, want completed", got)
	}
	if got := w.attemptCount("first"); got != 0 {
		t.Fatalf("completed node re-ran %d times on resume", got)
	}
	if got := w.attemptCount("second"); got != 1 {
		t.Fatalf("second ran %d times, want 1", got)
	}
}

func TestSplitWithoutFailFastToleratesBranchFailure(t *testing.T) {
	e, st, w := testEngine(t)
	w.answer("good", model.Context{"v": "ok"})
	w.answer("bad", model.Context{"v": "never"})
	w.failOnce("bad", 4) // outlasts the default retry budget of 3

	wf, err := e.Create(context.Background(), &Definition{
		Name: "besteffort",
		Nodes: []NodeSpec{
			{Name: "split", Kind: model.KindParallelSplit, Config: model.Context{
				"fail_fast": false,
				"join":      "join",
			}},
			{Name: "good", Kind: model.KindTask},
			{Name: "bad", Kind: model.KindTask},
			{Name: "join", Kind: model.KindParallelJoin, Config: model.Context{"strategy": "all"}},
		},
		Edges: []EdgeSpec{
			{From: "split", To: "good"},
			{From: "split", To: "bad"},
			{From: "good", To: "join"},
			{From: "bad", To: "join"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := startAndWait(t, e, wf.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := st.workflowStatus(wf.ID); got != model.WorkflowCompleted {
		t.Fatalf("workflow status = %s, want completed despite the lost branch", got)
	}
	if n := st.nodeByName(wf.ID, "bad"); n.Status != model.NodeFailed {
		t.Fatalf("bad status = %s, want failed", n.Status)
	}
	join := st.nodeByName(wf.ID, "join")
	merged, ok := join.Output["merged"].(map[string]any)
	if !ok {
		t.Fatalf("join output %v carries no merged map", join.Output)
	}
	if _, ok := merged["good"]; !ok {
		t.Fatal("merged output is missing the surviving branch")
	}
	if _, ok := merged["bad"]; ok {
		t.Fatal("merged output must not include the failed branch")
	}
}

func TestMajorityOutput(t *testing.T) {
	winner := model.Context{"answer": "42"}
	got := majorityOutput([]model.Context{
		winner,
		{"answer": "41"},
		winner,
	})
	m, ok := got.(map[string]any)
	if !ok || m["answer"] != "42" {
		t.Fatalf("majorityOutput = %v, want the plurality answer", got)
	}
}
