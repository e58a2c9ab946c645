package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// Executor event types.
const (
	EventWorkflowStarted   observability.EventType = "workflow.started"
	EventWorkflowCompleted observability.EventType = "workflow.completed"
	EventWorkflowFailed    observability.EventType = "workflow.failed"
	EventWorkflowPaused    observability.EventType = "workflow.paused"
	EventWorkflowCancelled observability.EventType = "workflow.cancelled"
	EventNodeStart         observability.EventType = "workflow.node.start"
	EventNodeCompleted     observability.EventType = "workflow.node.completed"
	EventNodeFailed        observability.EventType = "workflow.node.failed"
	EventNodeSkipped       observability.EventType = "workflow.node.skipped"
	EventNodeRetry         observability.EventType = "workflow.node.retry"
	EventNodeWaiting       observability.EventType = "workflow.node.waiting"
)

// Store is the durable-store surface the executor needs.
type Store interface {
	Workflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error)
	CreateWorkflowGraph(ctx context.Context, wf *model.Workflow, nodes []model.Node, edges []model.Edge) error
	NodesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error)
	EdgesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error)
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus, version int64) error
	MergeWorkflowContext(ctx context.Context, id uuid.UUID, delta model.Context) error
	IncrementCompletedNodes(ctx context.Context, id uuid.UUID) error
	UpdateNode(ctx context.Context, n *model.Node) error
	ResetNodes(ctx context.Context, ids []uuid.UUID) error
	AppendGraph(ctx context.Context, workflowID uuid.UUID, nodes []model.Node, edges []model.Edge) error
	CreateSubtask(ctx context.Context, st *model.Subtask) error
	SubtaskByNode(ctx context.Context, nodeID uuid.UUID) (*model.Subtask, error)
	InProgressByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Subtask, error)
	CancelPendingCheckpoints(ctx context.Context, workflowID uuid.UUID) error
}

// Kicker triggers an allocation cycle when a subtask becomes ready.
type Kicker interface {
	Kick()
}

// Sender pushes cancel frames to assigned workers.
type Sender interface {
	Send(ctx context.Context, workerID uuid.UUID, frame wire.Frame) bool
}

// Checkpoints opens review checkpoints for human-review nodes. Implemented
// by the review coordinator, which also maintains the KV review index.
type Checkpoints interface {
	Open(ctx context.Context, cp *model.Checkpoint) error
}

// Router is the LLM-routing collaborator consulted by ROUTER nodes. It
// picks one of the offered routes given the current workflow context.
type Router interface {
	Route(ctx context.Context, wfCtx model.Context, routes []string) (string, error)
}

// subtaskOutcome is delivered to a waiting TASK/DIRECTOR handler when the
// worker uploads a result.
type subtaskOutcome struct {
	output model.Context
	err    error
}

// Engine owns the per-workflow runs. One scheduler goroutine per active
// workflow; node handlers run as sibling goroutines bounded by the
// per-workflow branch semaphore.
type Engine struct {
	cfg       config.ExecutorConfig
	store     Store
	obs       observability.Observer
	templates *TemplateRegistry

	kick        Kicker
	sender      Sender
	checkpoints Checkpoints
	router      Router
	breaker     *gobreaker.CircuitBreaker

	mu      sync.Mutex
	runs    map[uuid.UUID]*run
	waiters map[uuid.UUID]chan subtaskOutcome
}

// Option customizes the engine.
type Option func(*Engine)

// WithRouter installs the routing collaborator for ROUTER nodes. Calls are
// wrapped in a circuit breaker; while the breaker is open, routers fall
// back to their default route immediately.
func WithRouter(r Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithCheckpoints installs the review coordinator hook for HUMAN-REVIEW
// nodes.
func WithCheckpoints(c Checkpoints) Option {
	return func(e *Engine) { e.checkpoints = c }
}

// WithKicker installs the allocator kick hook.
func WithKicker(k Kicker) Option {
	return func(e *Engine) { e.kick = k }
}

// WithSender installs the gateway hook used for task_cancel frames.
func WithSender(s Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithTemplates installs the subflow template registry.
func WithTemplates(t *TemplateRegistry) Option {
	return func(e *Engine) { e.templates = t }
}

// NewEngine builds an executor engine.
func NewEngine(cfg config.ExecutorConfig, st Store, obs observability.Observer, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     st,
		obs:       obs,
		templates: NewTemplateRegistry(),
		runs:      make(map[uuid.UUID]*run),
		waiters:   make(map[uuid.UUID]chan subtaskOutcome),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "workflow-router",
		Timeout: 30 * time.Second,
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates a definition and persists the workflow graph in pending
// state. A cyclic graph is rejected with cycle-detected and nothing is
// stored.
func (e *Engine) Create(ctx context.Context, def *Definition) (*model.Workflow, error) {
	wf, nodes, edges, err := def.Build()
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateWorkflowGraph(ctx, wf, nodes, edges); err != nil {
		return nil, err
	}
	wf.TotalNodes = len(nodes)
	return wf, nil
}

// Start launches (or resumes) a workflow run. The scheduler state is
// reconstructed from persisted node statuses, so starting a paused
// workflow continues where it stopped.
func (e *Engine) Start(ctx context.Context, workflowID uuid.UUID) error {
	wf, err := e.store.Workflow(ctx, workflowID)
	if err != nil {
		return err
	}
	switch wf.Status {
	case model.WorkflowPending, model.WorkflowPaused, model.WorkflowDraft:
	default:
		return model.Ef(model.KindStaleVersion, "workflow is %s, not startable", wf.Status)
	}

	nodes, err := e.store.NodesByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	edges, err := e.store.EdgesByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if _, err := topoOrder(nodes, edges); err != nil {
		return err
	}

	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, model.WorkflowRunning, wf.Version); err != nil {
		return err
	}
	wf.Version++
	wf.Status = model.WorkflowRunning

	r := newRun(e, wf, nodes, edges)
	e.mu.Lock()
	if _, active := e.runs[workflowID]; active {
		e.mu.Unlock()
		return model.Ef(model.KindStaleVersion, "workflow %s is already running", workflowID)
	}
	e.runs[workflowID] = r
	e.mu.Unlock()

	observability.Emit(ctx, e.obs, EventWorkflowStarted, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": workflowID.String(), "nodes": len(nodes)})
	go r.loop()
	return nil
}

// Pause asks a running workflow to stop at the next iteration boundary.
// In-flight node handlers finish; no new nodes are dispatched.
func (e *Engine) Pause(workflowID uuid.UUID) error {
	r := e.run(workflowID)
	if r == nil {
		return model.Ef(model.KindNotFound, "workflow %s is not running", workflowID)
	}
	r.requestPause()
	return nil
}

// Cancel stops a workflow. In-flight subtasks receive task_cancel frames;
// pending review checkpoints are closed as cancelled.
func (e *Engine) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	if r := e.run(workflowID); r != nil {
		r.requestCancel()
		return nil
	}

	// Not actively running (paused or pending): finalize directly.
	wf, err := e.store.Workflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return model.Ef(model.KindWorkflowCancelled, "workflow is already %s", wf.Status)
	}
	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, model.WorkflowCancelled, wf.Version); err != nil {
		return err
	}
	e.cancelWorkflowSubtasks(ctx, workflowID)
	_ = e.store.CancelPendingCheckpoints(ctx, workflowID)
	observability.Emit(ctx, e.obs, EventWorkflowCancelled, observability.LevelInfo, "workflow",
		map[string]any{"workflow_id": workflowID.String()})
	return nil
}

// Wait blocks until the workflow's run finishes (terminal or paused) or
// ctx expires. Returns the run's outcome error, nil on completion.
func (e *Engine) Wait(ctx context.Context, workflowID uuid.UUID) error {
	r := e.run(workflowID)
	if r == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// NotifySubtaskResult delivers a worker upload to the handler awaiting it.
// Unknown subtask ids are ignored: the result may race a timeout or a
// cancellation that already gave up on the waiter.
func (e *Engine) NotifySubtaskResult(subtaskID uuid.UUID, output model.Context, resultErr error) {
	e.mu.Lock()
	ch := e.waiters[subtaskID]
	delete(e.waiters, subtaskID)
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- subtaskOutcome{output: output, err: resultErr}:
	default:
	}
}

// ResumeAfterReview delivers a review decision to the waiting
// human-review node.
func (e *Engine) ResumeAfterReview(ctx context.Context, workflowID, nodeID uuid.UUID, decision *model.ReviewDecision) error {
	r := e.run(workflowID)
	if r == nil {
		return model.Ef(model.KindNotFound, "workflow %s has no active run awaiting review", workflowID)
	}
	return r.deliverDecision(nodeID, decision)
}

// ExpireReview fails the waiting node of an expired checkpoint.
func (e *Engine) ExpireReview(ctx context.Context, workflowID, nodeID uuid.UUID) error {
	r := e.run(workflowID)
	if r == nil {
		return nil
	}
	return r.deliverDecision(nodeID, nil)
}

func (e *Engine) run(workflowID uuid.UUID) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[workflowID]
}

func (e *Engine) dropRun(workflowID uuid.UUID) {
	e.mu.Lock()
	delete(e.runs, workflowID)
	e.mu.Unlock()
}

// registerWaiter parks a channel for a subtask result. The channel is
// buffered so delivery never blocks the frame handler.
func (e *Engine) registerWaiter(subtaskID uuid.UUID) chan subtaskOutcome {
	ch := make(chan subtaskOutcome, 1)
	e.mu.Lock()
	e.waiters[subtaskID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unregisterWaiter(subtaskID uuid.UUID) {
	e.mu.Lock()
	delete(e.waiters, subtaskID)
	e.mu.Unlock()
}

// cancelWorkflowSubtasks pushes task_cancel to every worker holding a
// subtask of this workflow.
func (e *Engine) cancelWorkflowSubtasks(ctx context.Context, workflowID uuid.UUID) {
	if e.sender == nil {
		return
	}
	inflight, err := e.store.InProgressByWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	for _, st := range inflight {
		if st.AssignedWorker == nil {
			continue
		}
		frame := wire.MustNew(wire.TypeTaskCancel, wire.TaskCancel{
			SubtaskID: st.ID,
			Reason:    "workflow cancelled",
		})
		_ = e.sender.Send(ctx, *st.AssignedWorker, frame)
	}
}

// setWorkflowStatus writes a status with CAS retry: a stale version is
// re-read and re-attempted, since engine status writes race context merges
// only, never competing status decisions.
func (e *Engine) setWorkflowStatus(ctx context.Context, workflowID uuid.UUID, status model.WorkflowStatus) error {
	for attempt := 0; attempt < 3; attempt++ {
		wf, err := e.store.Workflow(ctx, workflowID)
		if err != nil {
			return err
		}
		err = e.store.UpdateWorkflowStatus(ctx, workflowID, status, wf.Version)
		if err == nil {
			return nil
		}
		if !model.IsKind(err, model.KindStaleVersion) {
			return err
		}
	}
	return model.Ef(model.KindStaleVersion, "workflow %s status write kept colliding", workflowID)
}
