package wire

import (
	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
)

// Register is sent once by a worker after the connection opens. The server
// upserts the worker row by MachineID: reconnecting with the same machine
// id yields the same worker id.
type Register struct {
	MachineID   string        `json:"machine_id"`
	MachineName string        `json:"machine_name"`
	Tools       []string      `json:"tools"`
	SystemInfo  model.Context `json:"system_info,omitempty"`
}

// RegisterAck confirms registration and carries the stable worker id.
type RegisterAck struct {
	WorkerID uuid.UUID `json:"worker_id"`
	Status   string    `json:"status"`
}

// Heartbeat reports worker liveness and resource metrics.
type Heartbeat struct {
	Status        model.WorkerStatus `json:"status"`
	CPUPercent    float64            `json:"cpu_percent"`
	MemoryPercent float64            `json:"memory_percent"`
	DiskPercent   float64            `json:"disk_percent"`
	CurrentTask   *uuid.UUID         `json:"current_task,omitempty"`
}

// HeartbeatAck confirms heartbeat ingestion.
type HeartbeatAck struct {
	Status string `json:"status"`
}

// TaskAssignment pushes a committed subtask to its worker.
type TaskAssignment struct {
	SubtaskID      uuid.UUID     `json:"subtask_id"`
	Description    string        `json:"description"`
	AssignedTool   string        `json:"assigned_tool"`
	Context        model.Context `json:"context,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`
}

// TaskCancel asks a worker to abandon a subtask.
type TaskCancel struct {
	SubtaskID uuid.UUID `json:"subtask_id"`
	Reason    string    `json:"reason"`
}

// TaskProgress reports incremental progress on an assigned subtask.
// Progress is clamped to [0,100] server-side; decreases are ignored.
type TaskProgress struct {
	TaskID   uuid.UUID `json:"task_id"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// TaskResultBody is the inner result of a completed subtask.
type TaskResultBody struct {
	Output        string        `json:"output"`
	Metadata      model.Context `json:"metadata,omitempty"`
	ExecutionTime float64       `json:"execution_time"`
}

// TaskResult uploads the final result of a subtask.
type TaskResult struct {
	TaskID uuid.UUID      `json:"task_id"`
	Result TaskResultBody `json:"result"`
}

// TaskFailed reports terminal failure of a subtask on the worker side.
type TaskFailed struct {
	TaskID uuid.UUID `json:"task_id"`
	Error  string    `json:"error"`
}

// TaskRejected reports that the worker declined an assignment before
// starting it (missing tool, over capacity). The allocator runs the
// release path and re-queues.
type TaskRejected struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason"`
}

// Notification is a free-form server→worker informational frame.
type Notification struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Ping and Pong carry no payload; empty structs keep frame construction
// uniform.
type (
	Ping struct{}
	Pong struct{}
)
