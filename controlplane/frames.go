package controlplane

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// Frame-handling event types.
const (
	EventFrameRejected observability.EventType = "controlplane.frame.rejected"
	EventFrameError    observability.EventType = "controlplane.frame.error"
)

// frameStore is the durable-store surface the frame handler needs.
type frameStore interface {
	UpdateWorkerRegistration(ctx context.Context, id uuid.UUID, machineID, name string, tools model.StringList, systemInfo model.Context) error
	UpdateWorkerHeartbeat(ctx context.Context, id uuid.UUID, cpu, memory, disk float64) error
	SetWorkerStatusIf(ctx context.Context, id uuid.UUID, status model.WorkerStatus, from ...model.WorkerStatus) error
	UpdateSubtaskProgress(ctx context.Context, subtaskID uuid.UUID, progress int) error
	FinishSubtask(ctx context.Context, subtaskID uuid.UUID, status model.SubtaskStatus, output model.Context) error
	InProgressByWorker(ctx context.Context, workerID uuid.UUID) ([]model.Subtask, error)
}

// frameCache is the KV mirror surface. All writes are best effort.
type frameCache interface {
	SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status string) error
	ClearWorkerStatus(ctx context.Context, workerID uuid.UUID) error
	ClearCurrentTask(ctx context.Context, workerID uuid.UUID) error
	ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error
}

// results delivers subtask outcomes to waiting executor nodes.
type results interface {
	NotifySubtaskResult(subtaskID uuid.UUID, output model.Context, err error)
}

// allocation is the allocator surface driven by worker frames.
type allocation interface {
	Kick()
	Release(ctx context.Context, subtaskID, workerID uuid.UUID)
	ReleaseWorker(ctx context.Context, workerID uuid.UUID, subtaskIDs []uuid.UUID)
}

// sender pushes acknowledgement frames back over the live connection.
type sender interface {
	Send(ctx context.Context, workerID uuid.UUID, frame wire.Frame) bool
}

// frameHandler routes authenticated worker frames to the store, the KV
// mirror, the allocator, and the executor. It implements
// gateway.FrameHandler; the sender and collaborators are installed after
// construction because the gateway manager is built around the handler.
type frameHandler struct {
	store  frameStore
	cache  frameCache
	engine results
	alloc  allocation
	sender sender
	obs    observability.Observer
}

func (h *frameHandler) HandleFrame(ctx context.Context, workerID uuid.UUID, frame wire.Frame) {
	var err error
	switch frame.Type {
	case wire.TypeRegister:
		err = h.handleRegister(ctx, workerID, frame)
	case wire.TypeHeartbeat:
		err = h.handleHeartbeat(ctx, workerID, frame)
	case wire.TypeTaskProgress:
		err = h.handleProgress(ctx, workerID, frame)
	case wire.TypeTaskResult:
		err = h.handleResult(ctx, workerID, frame)
	case wire.TypeTaskFailed:
		err = h.handleFailed(ctx, workerID, frame)
	case wire.TypeTaskRejected:
		err = h.handleRejected(ctx, workerID, frame)
	case wire.TypePong:
		// Liveness is tracked by the gateway's receive timestamps.
	default:
		observability.Emit(ctx, h.obs, EventFrameRejected, observability.LevelWarning, "controlplane",
			map[string]any{"worker_id": workerID.String(), "type": string(frame.Type)})
		return
	}
	if err != nil {
		observability.Emit(ctx, h.obs, EventFrameError, observability.LevelWarning, "controlplane",
			map[string]any{
				"worker_id": workerID.String(),
				"type":      string(frame.Type),
				"error":     err.Error(),
			})
	}
}

// handleRegister upserts the worker's self-description and confirms with
// register_ack. Re-registering with the same machine id keeps the same
// worker row.
func (h *frameHandler) handleRegister(ctx context.Context, workerID uuid.UUID, frame wire.Frame) error {
	var p wire.Register
	if err := frame.Decode(&p); err != nil {
		return err
	}
	if err := h.store.UpdateWorkerRegistration(ctx, workerID, p.MachineID, p.MachineName, p.Tools, p.SystemInfo); err != nil {
		return err
	}
	if h.cache != nil {
		_ = h.cache.SetWorkerStatus(ctx, workerID, string(model.WorkerIdle))
	}
	h.sender.Send(ctx, workerID, wire.MustNew(wire.TypeRegisterAck, wire.RegisterAck{
		WorkerID: workerID,
		Status:   "registered",
	}))
	h.alloc.Kick()
	return nil
}

func (h *frameHandler) handleHeartbeat(ctx context.Context, workerID uuid.UUID, frame wire.Frame) error {
	var p wire.Heartbeat
	if err := frame.Decode(&p); err != nil {
		return err
	}
	if err := h.store.UpdateWorkerHeartbeat(ctx, workerID, p.CPUPercent, p.MemoryPercent, p.DiskPercent); err != nil {
		return err
	}
	if h.cache != nil && p.Status != "" {
		_ = h.cache.SetWorkerStatus(ctx, workerID, string(p.Status))
	}
	h.sender.Send(ctx, workerID, wire.MustNew(wire.TypeHeartbeatAck, wire.HeartbeatAck{Status: "ok"}))
	if p.Status == model.WorkerIdle {
		h.alloc.Kick()
	}
	return nil
}

func (h *frameHandler) handleProgress(ctx context.Context, _ uuid.UUID, frame wire.Frame) error {
	var p wire.TaskProgress
	if err := frame.Decode(&p); err != nil {
		return err
	}
	return h.store.UpdateSubtaskProgress(ctx, p.TaskID, p.Progress)
}

// handleResult finishes the subtask, clears the KV mirror, wakes the
// waiting workflow node, and kicks the allocator for the now-idle worker.
func (h *frameHandler) handleResult(ctx context.Context, workerID uuid.UUID, frame wire.Frame) error {
	var p wire.TaskResult
	if err := frame.Decode(&p); err != nil {
		return err
	}
	output := model.Context{
		"output":         p.Result.Output,
		"execution_time": p.Result.ExecutionTime,
	}
	if len(p.Result.Metadata) > 0 {
		output["metadata"] = map[string]any(p.Result.Metadata)
	}
	if err := h.store.FinishSubtask(ctx, p.TaskID, model.SubtaskCompleted, output); err != nil {
		return err
	}
	h.clearMirror(ctx, workerID, p.TaskID)
	h.engine.NotifySubtaskResult(p.TaskID, output, nil)
	h.alloc.Kick()
	return nil
}

// handleFailed records the worker-reported failure. The failure is
// terminal for the node attempt: the worker ran the task and it broke,
// which another attempt would repeat.
func (h *frameHandler) handleFailed(ctx context.Context, workerID uuid.UUID, frame wire.Frame) error {
	var p wire.TaskFailed
	if err := frame.Decode(&p); err != nil {
		return err
	}
	if err := h.store.FinishSubtask(ctx, p.TaskID, model.SubtaskFailed, model.Context{"error": p.Error}); err != nil {
		return err
	}
	h.clearMirror(ctx, workerID, p.TaskID)
	h.engine.NotifySubtaskResult(p.TaskID,
		model.Context{"error": p.Error},
		model.Wrap(model.KindNodeExecutionFailed, errors.New(p.Error), "worker reported failure"))
	h.alloc.Kick()
	return nil
}

// handleRejected releases the declined assignment so the allocator can
// offer it to a different worker. The waiting node keeps waiting.
func (h *frameHandler) handleRejected(ctx context.Context, workerID uuid.UUID, frame wire.Frame) error {
	var p wire.TaskRejected
	if err := frame.Decode(&p); err != nil {
		return err
	}
	h.alloc.Release(ctx, p.TaskID, workerID)
	h.alloc.Kick()
	return nil
}

func (h *frameHandler) clearMirror(ctx context.Context, workerID, subtaskID uuid.UUID) {
	if h.cache == nil {
		return
	}
	_ = h.cache.ClearCurrentTask(ctx, workerID)
	_ = h.cache.ClearInProgress(ctx, subtaskID)
}

// onConnect marks a freshly connected worker reachable and lets the
// allocator reconsider the queue.
func (h *frameHandler) onConnect(ctx context.Context, workerID uuid.UUID) {
	err := h.store.SetWorkerStatusIf(ctx, workerID, model.WorkerOnline, model.WorkerOffline)
	if err != nil && !model.IsKind(err, model.KindStaleVersion) {
		observability.Emit(ctx, h.obs, EventFrameError, observability.LevelWarning, "controlplane",
			map[string]any{"worker_id": workerID.String(), "error": err.Error()})
	}
	h.alloc.Kick()
}

// onDisconnect releases whatever the worker was holding and marks it
// offline. A superseded connection keeps the worker alive: the
// replacement socket is already active.
func (h *frameHandler) onDisconnect(ctx context.Context, workerID uuid.UUID, superseded bool) {
	if superseded {
		return
	}
	inflight, err := h.store.InProgressByWorker(ctx, workerID)
	if err == nil && len(inflight) > 0 {
		ids := make([]uuid.UUID, len(inflight))
		for i := range inflight {
			ids[i] = inflight[i].ID
		}
		h.alloc.ReleaseWorker(ctx, workerID, ids)
	}
	_ = h.store.SetWorkerStatusIf(ctx, workerID, model.WorkerOffline,
		model.WorkerOnline, model.WorkerIdle, model.WorkerBusy)
	if h.cache != nil {
		_ = h.cache.ClearWorkerStatus(ctx, workerID)
		_ = h.cache.ClearCurrentTask(ctx, workerID)
	}
}
