package model

// WorkflowStatus is the lifecycle state of a workflow. Terminal states
// (completed, failed, cancelled) are sinks: no transition leaves them.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// WorkflowType describes the overall shape of a workflow definition.
type WorkflowType string

const (
	TypeSequential   WorkflowType = "sequential"
	TypeConcurrent   WorkflowType = "concurrent"
	TypeGraph        WorkflowType = "graph"
	TypeHierarchical WorkflowType = "hierarchical"
	TypeMixture      WorkflowType = "mixture"
)

// NodeKind selects the executor semantics for a node.
type NodeKind string

const (
	KindTask          NodeKind = "task"
	KindCondition     NodeKind = "condition"
	KindParallelSplit NodeKind = "parallel_split"
	KindParallelJoin  NodeKind = "parallel_join"
	KindHumanReview   NodeKind = "human_review"
	KindLoop          NodeKind = "loop"
	KindRouter        NodeKind = "router"
	KindSubflow       NodeKind = "subflow"
	KindDirector      NodeKind = "director"
)

// NodeStatus is the per-node execution state.
//
// A node is ready iff every predecessor is completed or skipped. The
// waiting status is reserved for human-review nodes holding a pending
// checkpoint.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeWaiting   NodeStatus = "waiting"
)

// Terminal reports whether the node has finished (successfully or not).
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// Satisfied reports whether this predecessor status unblocks successors.
func (s NodeStatus) Satisfied() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// SubtaskStatus is the lifecycle state of a unit of worker-visible work.
//
// Invariant enforced by the allocator commit protocol: AssignedWorker is
// non-nil iff the status is in_progress.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskCancelled  SubtaskStatus = "cancelled"
)

// Terminal reports whether the subtask has finished.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	}
	return false
}

// WorkerStatus is the liveness/occupancy state of a worker agent.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// CheckpointStatus is the lifecycle state of a human-review request.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointApproved  CheckpointStatus = "approved"
	CheckpointRejected  CheckpointStatus = "rejected"
	CheckpointModified  CheckpointStatus = "modified"
	CheckpointExpired   CheckpointStatus = "expired"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// DecisionType is the reviewer verdict recorded on a checkpoint.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionModify  DecisionType = "modify"
)

// Privacy classifies how sensitive a subtask's inputs are for the
// allocator's privacy score.
type Privacy string

const (
	PrivacyNormal    Privacy = "normal"
	PrivacySensitive Privacy = "sensitive"
)
