// Package review coordinates human-review checkpoints: it persists review
// requests raised by workflow nodes, indexes them for reviewer listings,
// validates incoming decisions, and resumes the waiting workflows.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
)

// Coordinator event types.
const (
	EventCheckpointOpened  observability.EventType = "review.checkpoint.opened"
	EventCheckpointDecided observability.EventType = "review.checkpoint.decided"
	EventCheckpointExpired observability.EventType = "review.checkpoint.expired"
)

// Store is the durable-store surface the coordinator needs.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	Checkpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error)
	PendingCheckpoints(ctx context.Context, assignee string) ([]model.Checkpoint, error)
	DecideCheckpoint(ctx context.Context, id uuid.UUID, decision *model.ReviewDecision, version int64) error
}

// Cache is the KV review index. All cache writes are best effort; the
// durable store stays authoritative.
type Cache interface {
	IndexCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	DropCheckpoint(ctx context.Context, checkpointID uuid.UUID, assignee string) error
	ReviewQueue(ctx context.Context, assignee string) ([]string, error)
}

// Resumer hands decided (or expired) checkpoints back to the executor.
type Resumer interface {
	ResumeAfterReview(ctx context.Context, workflowID, nodeID uuid.UUID, decision *model.ReviewDecision) error
	ExpireReview(ctx context.Context, workflowID, nodeID uuid.UUID) error
}

// Coordinator owns the checkpoint lifecycle between the executor and the
// reviewers.
type Coordinator struct {
	cfg     config.ReviewConfig
	store   Store
	cache   Cache
	resumer Resumer
	obs     observability.Observer

	now func() time.Time
}

// New builds a review coordinator. cache may be nil.
func New(cfg config.ReviewConfig, st Store, cache Cache, resumer Resumer, obs observability.Observer) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		store:   st,
		cache:   cache,
		resumer: resumer,
		obs:     obs,
		now:     time.Now,
	}
}

// Open persists a new checkpoint and indexes it for reviewer listings.
// A checkpoint without an explicit deadline gets the configured default,
// so no review can dangle forever. Implements the executor's Checkpoints
// hook.
func (c *Coordinator) Open(ctx context.Context, cp *model.Checkpoint) error {
	if cp.ExpiresAt == nil {
		ttl := c.cfg.DefaultTimeout.Std()
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		deadline := c.now().UTC().Add(ttl)
		cp.ExpiresAt = &deadline
	}
	if cp.Status == "" {
		cp.Status = model.CheckpointPending
	}
	if err := c.store.CreateCheckpoint(ctx, cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = c.now().UTC()
	}
	if c.cache != nil {
		if err := c.cache.IndexCheckpoint(ctx, cp); err != nil {
			observability.Emit(ctx, c.obs, EventCheckpointOpened, observability.LevelWarning, "review",
				map[string]any{"checkpoint_id": cp.ID.String(), "index_error": err.Error()})
		}
	}
	observability.Emit(ctx, c.obs, EventCheckpointOpened, observability.LevelInfo, "review",
		map[string]any{
			"checkpoint_id": cp.ID.String(),
			"workflow_id":   cp.WorkflowID.String(),
			"review_type":   cp.ReviewType,
			"urgency":       cp.Urgency,
			"assignee":      cp.Assignee,
		})
	return nil
}

// SubmitDecision validates and records a reviewer verdict, then resumes
// the waiting workflow. A decision that loses the race against expiry or
// another reviewer comes back as stale-version.
func (c *Coordinator) SubmitDecision(ctx context.Context, checkpointID uuid.UUID, decision *model.ReviewDecision) error {
	cp, err := c.store.Checkpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.Status != model.CheckpointPending {
		return model.Ef(model.KindStaleVersion, "checkpoint %s is already %s", checkpointID, cp.Status)
	}
	if err := validateDecision(cp, decision); err != nil {
		return err
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = c.now().UTC()
	}

	if err := c.store.DecideCheckpoint(ctx, checkpointID, decision, cp.Version); err != nil {
		return err
	}
	if c.cache != nil {
		_ = c.cache.DropCheckpoint(ctx, checkpointID, cp.Assignee)
	}
	observability.Emit(ctx, c.obs, EventCheckpointDecided, observability.LevelInfo, "review",
		map[string]any{
			"checkpoint_id": checkpointID.String(),
			"workflow_id":   cp.WorkflowID.String(),
			"decision":      string(decision.Type),
			"reviewer":      decision.Reviewer,
		})

	if c.resumer != nil {
		if err := c.resumer.ResumeAfterReview(ctx, cp.WorkflowID, cp.NodeID, decision); err != nil {
			// Recorded but undeliverable: the workflow run is gone
			// (restart, pause). The decision resurfaces on resume.
			observability.Emit(ctx, c.obs, EventCheckpointDecided, observability.LevelWarning, "review",
				map[string]any{"checkpoint_id": checkpointID.String(), "resume_error": err.Error()})
		}
	}
	return nil
}

// ListPending returns open checkpoints, optionally for one assignee,
// oldest first.
func (c *Coordinator) ListPending(ctx context.Context, assignee string) ([]model.Checkpoint, error) {
	return c.store.PendingCheckpoints(ctx, assignee)
}

// HandleExpired processes one checkpoint the reaper swept past its
// deadline: the review index entry is dropped and the waiting node fails.
// Wired as the reaper's OnCheckpointExpired callback.
func (c *Coordinator) HandleExpired(ctx context.Context, cp model.Checkpoint) {
	if c.cache != nil {
		_ = c.cache.DropCheckpoint(ctx, cp.ID, cp.Assignee)
	}
	observability.Emit(ctx, c.obs, EventCheckpointExpired, observability.LevelWarning, "review",
		map[string]any{
			"checkpoint_id": cp.ID.String(),
			"workflow_id":   cp.WorkflowID.String(),
			"assignee":      cp.Assignee,
		})
	if c.resumer != nil {
		_ = c.resumer.ExpireReview(ctx, cp.WorkflowID, cp.NodeID)
	}
}

// validateDecision enforces the checkpoint's contract on the verdict:
// a known decision type, and, for non-reject decisions, every required
// field present in the modifications.
func validateDecision(cp *model.Checkpoint, decision *model.ReviewDecision) error {
	if decision == nil {
		return fmt.Errorf("checkpoint %s: decision is required", cp.ID)
	}
	switch decision.Type {
	case model.DecisionApprove, model.DecisionReject, model.DecisionModify:
	default:
		return fmt.Errorf("checkpoint %s: unknown decision type %q", cp.ID, decision.Type)
	}
	if decision.Type == model.DecisionReject {
		return nil
	}
	for _, field := range cp.RequiredFields {
		if _, ok := decision.Modifications[field]; !ok {
			return fmt.Errorf("checkpoint %s: required field %q is missing from the decision", cp.ID, field)
		}
	}
	return nil
}
