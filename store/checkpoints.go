package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/controlplane/model"
)

const checkpointColumns = `id, workflow_id, node_id, status, input_snapshot,
	instructions, review_type, required_fields, urgency, assignee,
	expires_at, decision, version, created_at, updated_at`

// CreateCheckpoint persists a pending review request.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, workflow_id, node_id, status, input_snapshot,
			instructions, review_type, required_fields, urgency, assignee, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cp.ID, cp.WorkflowID, cp.NodeID, cp.Status, cp.InputSnapshot,
		cp.Instructions, cp.ReviewType, cp.RequiredFields, cp.Urgency,
		cp.Assignee, cp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Checkpoint loads one review request with its decision, if any,
// deserialized.
func (s *Store) Checkpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.GetContext(ctx, &cp,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "checkpoint")
	}
	if err := hydrateDecision(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// PendingCheckpoints lists open review requests, optionally filtered by
// assignee, oldest first.
func (s *Store) PendingCheckpoints(ctx context.Context, assignee string) ([]model.Checkpoint, error) {
	var cps []model.Checkpoint
	var err error
	if assignee == "" {
		err = s.db.SelectContext(ctx, &cps,
			`SELECT `+checkpointColumns+` FROM checkpoints WHERE status = 'pending' ORDER BY created_at ASC`)
	} else {
		err = s.db.SelectContext(ctx, &cps,
			`SELECT `+checkpointColumns+` FROM checkpoints WHERE status = 'pending' AND assignee = $1 ORDER BY created_at ASC`,
			assignee)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending checkpoints: %w", err)
	}
	for i := range cps {
		if err := hydrateDecision(&cps[i]); err != nil {
			return nil, err
		}
	}
	return cps, nil
}

// DecideCheckpoint records a decision with a version-checked write. The
// checkpoint status follows the decision type. Only a pending checkpoint
// can be decided; a concurrent decision or expiry surfaces as
// stale-version.
func (s *Store) DecideCheckpoint(ctx context.Context, id uuid.UUID, decision *model.ReviewDecision, version int64) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	var status model.CheckpointStatus
	switch decision.Type {
	case model.DecisionApprove:
		status = model.CheckpointApproved
	case model.DecisionReject:
		status = model.CheckpointRejected
	case model.DecisionModify:
		status = model.CheckpointModified
	default:
		return fmt.Errorf("unknown decision type %q", decision.Type)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = $1, decision = $2,
		    version = version + 1, updated_at = now()
		WHERE id = $3 AND status = 'pending' AND version = $4`,
		status, raw, id, version)
	if err != nil {
		return fmt.Errorf("failed to decide checkpoint: %w", err)
	}
	return requireRow(res, "checkpoint")
}

// ExpireCheckpoints marks every pending checkpoint past its deadline as
// expired and returns them so the caller can fail the waiting nodes.
func (s *Store) ExpireCheckpoints(ctx context.Context, now time.Time) ([]model.Checkpoint, error) {
	var cps []model.Checkpoint
	err := s.db.SelectContext(ctx, &cps, `
		UPDATE checkpoints
		SET status = 'expired', version = version + 1, updated_at = now()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING `+checkpointColumns,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire checkpoints: %w", err)
	}
	return cps, nil
}

// CancelPendingCheckpoints closes all open review requests of a workflow.
// Used when the workflow itself is cancelled.
func (s *Store) CancelPendingCheckpoints(ctx context.Context, workflowID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = 'cancelled', version = version + 1, updated_at = now()
		WHERE workflow_id = $1 AND status = 'pending'`,
		workflowID)
	if err != nil {
		return fmt.Errorf("failed to cancel checkpoints: %w", err)
	}
	return nil
}

func hydrateDecision(cp *model.Checkpoint) error {
	if len(cp.DecisionRaw) == 0 {
		return nil
	}
	raw, err := json.Marshal(cp.DecisionRaw)
	if err != nil {
		return fmt.Errorf("failed to re-encode decision: %w", err)
	}
	var d model.ReviewDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("failed to decode decision: %w", err)
	}
	cp.Decision = &d
	return nil
}
