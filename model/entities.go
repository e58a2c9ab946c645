// Package model defines the persistent entities of the control plane and
// the error taxonomy its components communicate with.
//
// A Workflow owns its Nodes, Edges, Subtasks, and Checkpoints; deleting a
// workflow cascades. Workers own nothing persistent but hold a transient
// reservation on at most one Subtask, recorded as Subtask.AssignedWorker.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Workflow is the unit of orchestration: a DAG of nodes executed once.
type Workflow struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	OwnerID        string         `db:"owner_id" json:"owner_id"`
	Name           string         `db:"name" json:"name"`
	Type           WorkflowType   `db:"type" json:"type"`
	Status         WorkflowStatus `db:"status" json:"status"`
	Context        Context        `db:"context" json:"context"`
	TotalNodes     int            `db:"total_nodes" json:"total_nodes"`
	CompletedNodes int            `db:"completed_nodes" json:"completed_nodes"`
	Version        int64          `db:"version" json:"version"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// Node is a step in a workflow graph. Config holds the node-kind-specific
// settings (branch labels, merge strategy, loop bounds, routes) and Output
// the result written back after execution.
type Node struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	WorkflowID uuid.UUID  `db:"workflow_id" json:"workflow_id"`
	Name       string     `db:"name" json:"name"`
	Kind       NodeKind   `db:"kind" json:"kind"`
	Status     NodeStatus `db:"status" json:"status"`
	Config     Context    `db:"config" json:"config"`
	Input      Context    `db:"input" json:"input"`
	Output     Context    `db:"output" json:"output"`
	RetryCount int        `db:"retry_count" json:"retry_count"`
	MaxRetries int        `db:"max_retries" json:"max_retries"`
	Version    int64      `db:"version" json:"version"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt    *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// Edge is a directed transition between two nodes of the same workflow.
// LoopBack marks the back-edge of a loop region; back-edges are excluded
// from topological ordering and cycle detection.
type Edge struct {
	ID         uuid.UUID `db:"id" json:"id"`
	WorkflowID uuid.UUID `db:"workflow_id" json:"workflow_id"`
	FromNode   uuid.UUID `db:"from_node" json:"from_node"`
	ToNode     uuid.UUID `db:"to_node" json:"to_node"`
	Condition  string    `db:"condition" json:"condition,omitempty"`
	Label      string    `db:"label" json:"label,omitempty"`
	LoopBack   bool      `db:"loop_back" json:"loop_back,omitempty"`
}

// Subtask is the executable unit derived from a TASK node — the granularity
// at which workers see work.
type Subtask struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	WorkflowID      uuid.UUID     `db:"workflow_id" json:"workflow_id"`
	NodeID          uuid.UUID     `db:"node_id" json:"node_id"`
	Name            string        `db:"name" json:"name"`
	Description     string        `db:"description" json:"description"`
	RecommendedTool string        `db:"recommended_tool" json:"recommended_tool"`
	RequireTool     bool          `db:"require_tool" json:"require_tool"`
	Privacy         Privacy       `db:"privacy" json:"privacy"`
	Dependencies    UUIDList      `db:"dependencies" json:"dependencies"`
	Priority        int           `db:"priority" json:"priority"`
	Complexity      int           `db:"complexity" json:"complexity"`
	Status          SubtaskStatus `db:"status" json:"status"`
	Progress        int           `db:"progress" json:"progress"`
	AssignedWorker  *uuid.UUID    `db:"assigned_worker" json:"assigned_worker,omitempty"`
	Output          Context       `db:"output" json:"output"`
	Version         int64         `db:"version" json:"version"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	StartedAt       *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
}

// Worker is a remote agent machine running AI coding tools.
type Worker struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	MachineID     string       `db:"machine_id" json:"machine_id"`
	Name          string       `db:"name" json:"name"`
	APIKeyHash    string       `db:"api_key_hash" json:"-"`
	Tools         StringList   `db:"tools" json:"tools"`
	Status        WorkerStatus `db:"status" json:"status"`
	LastHeartbeat time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
	CPUPercent    float64      `db:"cpu_percent" json:"cpu_percent"`
	MemoryPercent float64      `db:"memory_percent" json:"memory_percent"`
	DiskPercent   float64      `db:"disk_percent" json:"disk_percent"`
	SystemInfo    Context      `db:"system_info" json:"system_info"`
	Version       int64        `db:"version" json:"version"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// MetricsKnown reports whether the worker has reported resource metrics.
// The allocator scores unknown metrics as a flat 0.5.
func (w *Worker) MetricsKnown() bool {
	return w.CPUPercent > 0 || w.MemoryPercent > 0 || w.DiskPercent > 0
}

// ReviewDecision records the reviewer verdict on a checkpoint.
type ReviewDecision struct {
	Type          DecisionType `json:"type"`
	Comments      string       `json:"comments,omitempty"`
	Modifications Context      `json:"modifications,omitempty"`
	Reviewer      string       `json:"reviewer,omitempty"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// Checkpoint is a persisted human-review request: a node-input snapshot
// awaiting a decision.
type Checkpoint struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	WorkflowID     uuid.UUID        `db:"workflow_id" json:"workflow_id"`
	NodeID         uuid.UUID        `db:"node_id" json:"node_id"`
	Status         CheckpointStatus `db:"status" json:"status"`
	InputSnapshot  Context          `db:"input_snapshot" json:"input_snapshot"`
	Instructions   string           `db:"instructions" json:"instructions"`
	ReviewType     string           `db:"review_type" json:"review_type"`
	RequiredFields StringList       `db:"required_fields" json:"required_fields"`
	Urgency        string           `db:"urgency" json:"urgency"`
	Assignee       string           `db:"assignee" json:"assignee,omitempty"`
	ExpiresAt      *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	Decision       *ReviewDecision  `db:"-" json:"decision,omitempty"`
	DecisionRaw    Context          `db:"decision" json:"-"`
	Version        int64            `db:"version" json:"version"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// Evaluation stores an opaque quality score for a completed workflow. The
// aggregator weights and grade thresholds are configured at runtime and the
// control plane never interprets them.
type Evaluation struct {
	ID         uuid.UUID          `db:"id" json:"id"`
	WorkflowID uuid.UUID          `db:"workflow_id" json:"workflow_id"`
	Score      float64            `db:"score" json:"score"`
	Grade      string             `db:"grade" json:"grade"`
	Weights    map[string]float64 `db:"-" json:"weights"`
	WeightsRaw Context            `db:"weights" json:"-"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
}
