package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tailored-agentic-units/controlplane/model"
)

const subtaskColumns = `id, workflow_id, node_id, name, description,
	recommended_tool, require_tool, privacy, dependencies, priority,
	complexity, status, progress, assigned_worker, output, version,
	created_at, updated_at, started_at, ended_at`

// CreateSubtask inserts a new pending subtask.
func (s *Store) CreateSubtask(ctx context.Context, st *model.Subtask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subtasks (id, workflow_id, node_id, name, description,
			recommended_tool, require_tool, privacy, dependencies, priority, complexity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		st.ID, st.WorkflowID, st.NodeID, st.Name, st.Description,
		st.RecommendedTool, st.RequireTool, st.Privacy, st.Dependencies,
		st.Priority, st.Complexity, st.Status)
	if err != nil {
		return fmt.Errorf("failed to insert subtask: %w", err)
	}
	return nil
}

// Subtask loads one subtask by id.
func (s *Store) Subtask(ctx context.Context, id uuid.UUID) (*model.Subtask, error) {
	var st model.Subtask
	err := s.db.GetContext(ctx, &st,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "subtask")
	}
	return &st, nil
}

// SubtaskByNode returns the subtask derived from a node, or nil if none
// exists yet. TASK nodes create their subtask idempotently through this
// lookup.
func (s *Store) SubtaskByNode(ctx context.Context, nodeID uuid.UUID) (*model.Subtask, error) {
	var st model.Subtask
	err := s.db.GetContext(ctx, &st,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE node_id = $1 ORDER BY created_at DESC LIMIT 1`,
		nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subtask by node: %w", err)
	}
	return &st, nil
}

// ReadySubtasks returns pending subtasks whose every dependency is
// completed, ordered by descending priority then ascending creation time.
// Readiness is evaluated in SQL so the allocator snapshot is consistent.
func (s *Store) ReadySubtasks(ctx context.Context) ([]model.Subtask, error) {
	var subtasks []model.Subtask
	err := s.db.SelectContext(ctx, &subtasks, `
		SELECT `+subtaskColumns+` FROM subtasks s
		WHERE s.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1
			FROM jsonb_array_elements_text(s.dependencies) AS dep(id)
			JOIN subtasks d ON d.id = dep.id::uuid
			WHERE d.status <> 'completed')
		ORDER BY s.priority DESC, s.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready subtasks: %w", err)
	}
	return subtasks, nil
}

// InProgressByWorker lists the subtasks a worker currently holds. The
// at-most-one invariant means this returns zero or one row, but the reaper
// sweeps defensively over all matches.
func (s *Store) InProgressByWorker(ctx context.Context, workerID uuid.UUID) ([]model.Subtask, error) {
	var subtasks []model.Subtask
	err := s.db.SelectContext(ctx, &subtasks,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE assigned_worker = $1 AND status = 'in_progress'`,
		workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress subtasks: %w", err)
	}
	return subtasks, nil
}

// InProgressByWorkflow lists the in-flight subtasks of a workflow, used by
// workflow-level cancellation.
func (s *Store) InProgressByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Subtask, error) {
	var subtasks []model.Subtask
	err := s.db.SelectContext(ctx, &subtasks,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE workflow_id = $1 AND status = 'in_progress'`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow subtasks: %w", err)
	}
	return subtasks, nil
}

// CommitAssignment atomically records a (subtask, worker) pairing:
// the subtask must still be pending and the worker idle or online. Either
// precondition failing aborts with a stale-version error so the allocator
// skips the pairing and continues its cycle.
func (s *Store) CommitAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subtasks
			SET status = 'in_progress', assigned_worker = $1,
			    started_at = COALESCE(started_at, now()),
			    version = version + 1, updated_at = now()
			WHERE id = $2 AND status = 'pending'`,
			workerID, subtaskID)
		if err != nil {
			return fmt.Errorf("failed to assign subtask: %w", err)
		}
		if err := requireRow(res, "subtask"); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE workers
			SET status = 'busy', version = version + 1, updated_at = now()
			WHERE id = $1 AND status IN ('idle', 'online')`,
			workerID)
		if err != nil {
			return fmt.Errorf("failed to mark worker busy: %w", err)
		}
		return requireRow(res, "worker")
	})
}

// ReleaseAssignment reverses a commit: the subtask returns to pending with
// no assigned worker and the worker returns to idle if it is still busy
// with this subtask. Used on undelivered assignments, worker rejection,
// and disconnect between commit and send.
func (s *Store) ReleaseAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subtasks
			SET status = 'pending', assigned_worker = NULL,
			    version = version + 1, updated_at = now()
			WHERE id = $1 AND status = 'in_progress' AND assigned_worker = $2`,
			subtaskID, workerID)
		if err != nil {
			return fmt.Errorf("failed to release subtask: %w", err)
		}
		if err := requireRow(res, "subtask"); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE workers
			SET status = 'idle', version = version + 1, updated_at = now()
			WHERE id = $1 AND status = 'busy'`,
			workerID)
		if err != nil {
			return fmt.Errorf("failed to idle worker: %w", err)
		}
		return nil
	})
}

// FinishSubtask moves an in-progress subtask to a terminal status and
// idles its worker in one transaction. Completion forces progress to 100.
func (s *Store) FinishSubtask(ctx context.Context, subtaskID uuid.UUID, status model.SubtaskStatus, output model.Context) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	progress := sql.NullInt64{}
	if status == model.SubtaskCompleted {
		progress = sql.NullInt64{Int64: 100, Valid: true}
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var workerID uuid.NullUUID
		err := tx.GetContext(ctx, &workerID,
			`SELECT assigned_worker FROM subtasks WHERE id = $1 FOR UPDATE`, subtaskID)
		if err != nil {
			return notFound(err, "subtask")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE subtasks
			SET status = $1, progress = COALESCE($2, progress),
			    assigned_worker = NULL, output = output || $3::jsonb,
			    ended_at = now(), version = version + 1, updated_at = now()
			WHERE id = $4 AND status = 'in_progress'`,
			status, progress, output, subtaskID)
		if err != nil {
			return fmt.Errorf("failed to finish subtask: %w", err)
		}
		if err := requireRow(res, "subtask"); err != nil {
			return err
		}

		if workerID.Valid {
			_, err = tx.ExecContext(ctx, `
				UPDATE workers
				SET status = 'idle', version = version + 1, updated_at = now()
				WHERE id = $1 AND status = 'busy'`,
				workerID.UUID)
			if err != nil {
				return fmt.Errorf("failed to idle worker: %w", err)
			}
		}
		return nil
	})
}

// UpdateSubtaskProgress records reported progress, keeping it monotonic:
// decreases are ignored by taking the greater of stored and reported.
func (s *Store) UpdateSubtaskProgress(ctx context.Context, subtaskID uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subtasks
		SET progress = GREATEST(progress, $1), updated_at = now()
		WHERE id = $2 AND status = 'in_progress'`,
		progress, subtaskID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return requireRow(res, "subtask")
}
