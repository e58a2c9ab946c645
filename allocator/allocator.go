// Package allocator matches ready subtasks to idle workers with a
// weighted scoring policy and commits each pairing atomically against the
// durable store. The KV mirror and the assignment frame are best effort:
// an undelivered frame triggers the release path, and a lost KV write is
// repaired on the next cycle.
package allocator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// Allocator event types.
const (
	EventAssignCommitted   observability.EventType = "allocator.assign.committed"
	EventAssignUndelivered observability.EventType = "allocator.assign.undelivered"
	EventAssignReleased    observability.EventType = "allocator.assign.released"
	EventCycleDone         observability.EventType = "allocator.cycle.done"
)

// Store is the durable-store surface the allocator needs.
type Store interface {
	ReadySubtasks(ctx context.Context) ([]model.Subtask, error)
	IdleWorkers(ctx context.Context) ([]model.Worker, error)
	CommitAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error
	ReleaseAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error
}

// Cache is the KV mirror surface. All writes through it are best effort.
type Cache interface {
	SetCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error
	ClearCurrentTask(ctx context.Context, workerID uuid.UUID) error
	MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error
	ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error
	EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error
	DequeueSubtask(ctx context.Context, subtaskID uuid.UUID) error
}

// Sender delivers assignment frames over live connections.
type Sender interface {
	Send(ctx context.Context, workerID uuid.UUID, frame wire.Frame) bool
	IsConnected(workerID uuid.UUID) bool
}

// Allocator runs the allocation cycle. Cycles are triggered by Kick
// (subtask became ready, worker became idle) and by a periodic ticker
// that repairs anything a missed kick left behind.
type Allocator struct {
	cfg    config.AllocatorConfig
	store  Store
	cache  Cache
	sender Sender
	obs    observability.Observer

	kicks chan struct{}
}

// New builds an allocator. cache may be nil when no KV mirror is deployed.
func New(cfg config.AllocatorConfig, st Store, cache Cache, sender Sender, obs observability.Observer) *Allocator {
	return &Allocator{
		cfg:    cfg,
		store:  st,
		cache:  cache,
		sender: sender,
		obs:    obs,
		kicks:  make(chan struct{}, 1),
	}
}

// Kick requests an allocation cycle. Coalesces: a kick during a running
// cycle schedules exactly one more.
func (a *Allocator) Kick() {
	select {
	case a.kicks <- struct{}{}:
	default:
	}
}

// Run processes kicks and periodic ticks until ctx is cancelled.
func (a *Allocator) Run(ctx context.Context) {
	interval := a.cfg.KickInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kicks:
		case <-ticker.C:
		}
		a.Cycle(ctx)
	}
}

// Cycle runs one greedy allocation pass: snapshot ready subtasks (priority
// order) and idle connected workers, pair each subtask with its best
// qualifying worker, and commit pairings one by one. A failed commit only
// skips that pairing; the cycle continues.
func (a *Allocator) Cycle(ctx context.Context) {
	ready, err := a.store.ReadySubtasks(ctx)
	if err != nil {
		observability.Emit(ctx, a.obs, EventCycleDone, observability.LevelError, "allocator",
			map[string]any{"error": err.Error()})
		return
	}
	if len(ready) == 0 {
		return
	}
	// Defensive re-sort; the store query already orders this way.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	workers, err := a.store.IdleWorkers(ctx)
	if err != nil {
		observability.Emit(ctx, a.obs, EventCycleDone, observability.LevelError, "allocator",
			map[string]any{"error": err.Error()})
		return
	}

	// Only connected workers can receive an assignment.
	idle := workers[:0]
	for _, w := range workers {
		if a.sender.IsConnected(w.ID) {
			idle = append(idle, w)
		}
	}

	assigned := 0
	taken := make(map[uuid.UUID]bool, len(idle))
	for i := range ready {
		s := &ready[i]
		best := a.pickWorker(s, idle, taken)
		if best == nil {
			continue
		}
		if a.assign(ctx, s, best) {
			taken[best.ID] = true
			assigned++
		}
	}

	observability.Emit(ctx, a.obs, EventCycleDone, observability.LevelVerbose, "allocator",
		map[string]any{"ready": len(ready), "idle": len(idle), "assigned": assigned})
}

// pickWorker returns the highest-scoring untaken worker above the
// qualification threshold, or nil when none qualifies.
func (a *Allocator) pickWorker(s *model.Subtask, idle []model.Worker, taken map[uuid.UUID]bool) *model.Worker {
	var best *model.Worker
	bestScore := 0.0
	for i := range idle {
		w := &idle[i]
		if taken[w.ID] {
			continue
		}
		sc := score(s, w, a.cfg)
		if sc < a.cfg.MinScore {
			continue
		}
		if best == nil || sc > bestScore {
			best, bestScore = w, sc
		}
	}
	return best
}

// assign commits one pairing and pushes the assignment frame. Returns true
// only when the frame was delivered; every failure before delivery leaves
// the pairing released.
func (a *Allocator) assign(ctx context.Context, s *model.Subtask, w *model.Worker) bool {
	if err := a.store.CommitAssignment(ctx, s.ID, w.ID); err != nil {
		// Stale-version means the subtask or worker moved under us;
		// the pairing is simply skipped this cycle.
		if !model.IsKind(err, model.KindStaleVersion) {
			observability.Emit(ctx, a.obs, EventAssignCommitted, observability.LevelError, "allocator",
				map[string]any{"subtask_id": s.ID.String(), "worker_id": w.ID.String(), "error": err.Error()})
		}
		return false
	}

	if a.cache != nil {
		_ = a.cache.SetCurrentTask(ctx, w.ID, s.ID, a.cfg.AssignmentTTL.Std())
		_ = a.cache.MarkInProgress(ctx, s.ID)
	}

	frame := wire.MustNew(wire.TypeTaskAssignment, wire.TaskAssignment{
		SubtaskID:      s.ID,
		Description:    s.Description,
		AssignedTool:   s.RecommendedTool,
		Context:        s.Output,
		TimeoutSeconds: int(a.cfg.AssignmentTTL.Std().Seconds()),
	})
	if !a.sender.Send(ctx, w.ID, frame) {
		observability.Emit(ctx, a.obs, EventAssignUndelivered, observability.LevelWarning, "allocator",
			map[string]any{"subtask_id": s.ID.String(), "worker_id": w.ID.String()})
		a.Release(ctx, s.ID, w.ID)
		return false
	}

	observability.Emit(ctx, a.obs, EventAssignCommitted, observability.LevelInfo, "allocator",
		map[string]any{"subtask_id": s.ID.String(), "worker_id": w.ID.String()})
	return true
}

// Release reverses a committed assignment: subtask back to pending, worker
// back to idle, KV entries cleared. Called on undelivered frames, worker
// rejection, and disconnects between commit and send.
func (a *Allocator) Release(ctx context.Context, subtaskID, workerID uuid.UUID) {
	if err := a.store.ReleaseAssignment(ctx, subtaskID, workerID); err != nil {
		if !model.IsKind(err, model.KindStaleVersion) {
			observability.Emit(ctx, a.obs, EventAssignReleased, observability.LevelError, "allocator",
				map[string]any{"subtask_id": subtaskID.String(), "error": err.Error()})
			return
		}
	}
	if a.cache != nil {
		_ = a.cache.ClearCurrentTask(ctx, workerID)
		_ = a.cache.ClearInProgress(ctx, subtaskID)
		_ = a.cache.EnqueueSubtask(ctx, subtaskID)
	}
	observability.Emit(ctx, a.obs, EventAssignReleased, observability.LevelInfo, "allocator",
		map[string]any{"subtask_id": subtaskID.String(), "worker_id": workerID.String()})
}

// ReleaseWorker releases whatever in-progress subtask a disconnected or
// cancelled worker held, then kicks a cycle so the work is re-offered.
func (a *Allocator) ReleaseWorker(ctx context.Context, workerID uuid.UUID, subtaskIDs []uuid.UUID) {
	for _, id := range subtaskIDs {
		a.Release(ctx, id, workerID)
	}
	if len(subtaskIDs) > 0 {
		a.Kick()
	}
}
