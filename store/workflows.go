package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tailored-agentic-units/controlplane/model"
)

const workflowColumns = `id, owner_id, name, type, status, context,
	total_nodes, completed_nodes, version, created_at, updated_at,
	started_at, completed_at`

// CreateWorkflowGraph persists a workflow with its nodes and edges in one
// transaction. The caller validates acyclicity first; nothing is persisted
// for a rejected graph.
func (s *Store) CreateWorkflowGraph(ctx context.Context, wf *model.Workflow, nodes []model.Node, edges []model.Edge) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (id, owner_id, name, type, status, context, total_nodes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			wf.ID, wf.OwnerID, wf.Name, wf.Type, wf.Status, wf.Context, len(nodes))
		if err != nil {
			return fmt.Errorf("failed to insert workflow: %w", err)
		}

		for i := range nodes {
			if err := insertNode(ctx, tx, &nodes[i]); err != nil {
				return err
			}
		}
		for i := range edges {
			if err := insertEdge(ctx, tx, &edges[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Workflow loads one workflow by id.
func (s *Store) Workflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	var wf model.Workflow
	err := s.db.GetContext(ctx, &wf,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "workflow")
	}
	return &wf, nil
}

// UpdateWorkflowStatus moves a workflow to a new status with a
// version-checked write. Terminal transitions stamp completed_at; entering
// running stamps started_at once.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus, version int64) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1,
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		    completed_at = COALESCE($2, completed_at),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $3 AND version = $4`,
		status, completedAt, id, version)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	return requireRow(res, "workflow")
}

// UpdateWorkflowContext replaces the shared context map with a
// version-checked write.
func (s *Store) UpdateWorkflowContext(ctx context.Context, id uuid.UUID, wfCtx model.Context, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET context = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`,
		wfCtx, id, version)
	if err != nil {
		return fmt.Errorf("failed to update workflow context: %w", err)
	}
	return requireRow(res, "workflow")
}

// MergeWorkflowContext folds keys into the context map without a version
// guard. Used on node completion where last-writer-wins per key is the
// intended semantics and contention with the status CAS is unwanted.
func (s *Store) MergeWorkflowContext(ctx context.Context, id uuid.UUID, delta model.Context) error {
	if len(delta) == 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET context = context || $1::jsonb, updated_at = now()
		WHERE id = $2`,
		delta, id)
	if err != nil {
		return fmt.Errorf("failed to merge workflow context: %w", err)
	}
	return requireRow(res, "workflow")
}

// IncrementCompletedNodes bumps the completed-node counter.
func (s *Store) IncrementCompletedNodes(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET completed_nodes = completed_nodes + 1, updated_at = now()
		WHERE id = $1 AND completed_nodes < total_nodes`,
		id)
	if err != nil {
		return fmt.Errorf("failed to increment completed nodes: %w", err)
	}
	return requireRow(res, "workflow")
}

// AdjustTotalNodes adds delta to the total-node counter. Used when a
// director appends nodes or a loop resets its body.
func (s *Store) AdjustTotalNodes(ctx context.Context, id uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET total_nodes = total_nodes + $1, updated_at = now()
		WHERE id = $2`,
		delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust total nodes: %w", err)
	}
	return requireRow(res, "workflow")
}

// CreateEvaluation records an opaque quality score for a workflow.
func (s *Store) CreateEvaluation(ctx context.Context, ev *model.Evaluation) error {
	if ev.Weights != nil {
		ev.WeightsRaw = make(model.Context, len(ev.Weights))
		for k, v := range ev.Weights {
			ev.WeightsRaw[k] = v
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, workflow_id, score, grade, weights)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.WorkflowID, ev.Score, ev.Grade, ev.WeightsRaw)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}
