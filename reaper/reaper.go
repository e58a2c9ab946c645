// Package reaper is the periodic liveness sweep: workers silent past the
// stale threshold are flagged, workers silent past the dead threshold are
// taken offline and their in-progress subtasks returned to the queue. The
// same sweep expires overdue review checkpoints.
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// Reaper event types.
const (
	EventWorkerStale       observability.EventType = "reaper.worker.stale"
	EventWorkerDead        observability.EventType = "reaper.worker.dead"
	EventCheckpointExpired observability.EventType = "reaper.checkpoint.expired"
	EventSweepFailed       observability.EventType = "reaper.sweep.failed"
)

// Store is the durable-store surface the reaper needs.
type Store interface {
	WorkersSilentSince(ctx context.Context, cutoff time.Time) ([]model.Worker, error)
	RecoverDeadWorker(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error)
	ExpireCheckpoints(ctx context.Context, now time.Time) ([]model.Checkpoint, error)
}

// Connections is the gateway surface: live-connection checks and forced
// closes.
type Connections interface {
	IsConnected(workerID uuid.UUID) bool
	CloseWorker(ctx context.Context, workerID uuid.UUID, code int, reason string)
}

// Cache clears the KV mirror entries of a recovered worker.
type Cache interface {
	ClearCurrentTask(ctx context.Context, workerID uuid.UUID) error
	ClearWorkerStatus(ctx context.Context, workerID uuid.UUID) error
	ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error
	EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error
}

// Kicker triggers an allocation cycle after recovered subtasks re-enter
// the queue.
type Kicker interface {
	Kick()
}

// Reaper runs the sweep loop.
type Reaper struct {
	cfg   config.ReaperConfig
	store Store
	conns Connections
	cache Cache
	kick  Kicker
	obs   observability.Observer

	// OnCheckpointExpired, if set, is called for each expired checkpoint
	// so the workflow engine can fail the waiting node.
	OnCheckpointExpired func(ctx context.Context, cp model.Checkpoint)

	now func() time.Time
}

// New builds a reaper. cache and kick may be nil.
func New(cfg config.ReaperConfig, st Store, conns Connections, cache Cache, kick Kicker, obs observability.Observer) *Reaper {
	return &Reaper{
		cfg:   cfg,
		store: st,
		conns: conns,
		cache: cache,
		kick:  kick,
		obs:   obs,
		now:   time.Now,
	}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Interval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over silent workers and overdue checkpoints.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepWorkers(ctx)
	r.sweepCheckpoints(ctx)
}

func (r *Reaper) sweepWorkers(ctx context.Context) {
	now := r.now()
	staleCutoff := now.Add(-r.cfg.StaleAfter.Std())
	deadCutoff := now.Add(-r.cfg.DeadAfter.Std())

	silent, err := r.store.WorkersSilentSince(ctx, staleCutoff)
	if err != nil {
		observability.Emit(ctx, r.obs, EventSweepFailed, observability.LevelError, "reaper",
			map[string]any{"error": err.Error()})
		return
	}

	for _, w := range silent {
		if w.LastHeartbeat.After(deadCutoff) {
			// Stale but not dead. A live connection with no heartbeats
			// is worth flagging; recovery waits for the dead threshold.
			observability.Emit(ctx, r.obs, EventWorkerStale, observability.LevelWarning, "reaper",
				map[string]any{
					"worker_id":      w.ID.String(),
					"last_heartbeat": w.LastHeartbeat,
					"connected":      r.conns.IsConnected(w.ID),
				})
			continue
		}
		r.recoverDead(ctx, w)
	}
}

// recoverDead takes one dead worker offline: the store transition and
// subtask release happen in a single transaction, then the connection is
// closed and the KV mirror cleaned up.
func (r *Reaper) recoverDead(ctx context.Context, w model.Worker) {
	released, err := r.store.RecoverDeadWorker(ctx, w.ID)
	if err != nil {
		// Stale-version means another sweep or the operator got here
		// first.
		if !model.IsKind(err, model.KindStaleVersion) {
			observability.Emit(ctx, r.obs, EventSweepFailed, observability.LevelError, "reaper",
				map[string]any{"worker_id": w.ID.String(), "error": err.Error()})
		}
		return
	}

	r.conns.CloseWorker(ctx, w.ID, wire.CloseNormal, wire.ReasonDead)

	if r.cache != nil {
		_ = r.cache.ClearCurrentTask(ctx, w.ID)
		_ = r.cache.ClearWorkerStatus(ctx, w.ID)
		for _, id := range released {
			_ = r.cache.ClearInProgress(ctx, id)
			_ = r.cache.EnqueueSubtask(ctx, id)
		}
	}

	observability.Emit(ctx, r.obs, EventWorkerDead, observability.LevelWarning, "reaper",
		map[string]any{
			"worker_id":      w.ID.String(),
			"last_heartbeat": w.LastHeartbeat,
			"released":       len(released),
		})

	if r.kick != nil && len(released) > 0 {
		r.kick.Kick()
	}
}

func (r *Reaper) sweepCheckpoints(ctx context.Context) {
	expired, err := r.store.ExpireCheckpoints(ctx, r.now())
	if err != nil {
		observability.Emit(ctx, r.obs, EventSweepFailed, observability.LevelError, "reaper",
			map[string]any{"error": err.Error()})
		return
	}

	for _, cp := range expired {
		observability.Emit(ctx, r.obs, EventCheckpointExpired, observability.LevelWarning, "reaper",
			map[string]any{
				"checkpoint_id": cp.ID.String(),
				"workflow_id":   cp.WorkflowID.String(),
				"node_id":       cp.NodeID.String(),
			})
		if r.OnCheckpointExpired != nil {
			r.OnCheckpointExpired(ctx, cp)
		}
	}
}
