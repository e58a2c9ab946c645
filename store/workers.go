package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tailored-agentic-units/controlplane/model"
)

const workerColumns = `id, machine_id, name, api_key_hash, tools, status,
	last_heartbeat, cpu_percent, memory_percent, disk_percent, system_info,
	version, created_at, updated_at`

// CreateWorker provisions a worker row. Workers are created by an
// operator ahead of time; the gateway only authenticates against them.
func (s *Store) CreateWorker(ctx context.Context, w *model.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, machine_id, name, api_key_hash, tools, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.MachineID, w.Name, w.APIKeyHash, w.Tools, w.Status)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

// Worker loads one worker by id.
func (s *Store) Worker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	var w model.Worker
	err := s.db.GetContext(ctx, &w,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "worker")
	}
	return &w, nil
}

// WorkerByAPIKeyHash resolves a worker from its hashed API key at
// connection upgrade. The key hash is the stable identity, so the same
// credential always maps to the same worker id across reconnects.
func (s *Store) WorkerByAPIKeyHash(ctx context.Context, hash string) (*model.Worker, error) {
	var w model.Worker
	err := s.db.GetContext(ctx, &w,
		`SELECT `+workerColumns+` FROM workers WHERE api_key_hash = $1`, hash)
	if err != nil {
		return nil, notFound(err, "worker")
	}
	return &w, nil
}

// UpdateWorkerRegistration records the machine details a worker announces
// in its register frame and brings it online.
func (s *Store) UpdateWorkerRegistration(ctx context.Context, id uuid.UUID, machineID, name string, tools model.StringList, systemInfo model.Context) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET machine_id = $1, name = $2, tools = $3, system_info = $4,
		    status = 'idle', last_heartbeat = now(),
		    version = version + 1, updated_at = now()
		WHERE id = $5`,
		machineID, name, tools, systemInfo, id)
	if err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}
	return requireRow(res, "worker")
}

// UpdateWorkerHeartbeat refreshes liveness and resource metrics from a
// heartbeat frame. Status is not touched: heartbeats arrive in every
// state and must not demote a busy worker.
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id uuid.UUID, cpu, memory, disk float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat = now(),
		    cpu_percent = $1, memory_percent = $2, disk_percent = $3,
		    updated_at = now()
		WHERE id = $4`,
		cpu, memory, disk, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return requireRow(res, "worker")
}

// SetWorkerStatus forces a worker status unconditionally.
func (s *Store) SetWorkerStatus(ctx context.Context, id uuid.UUID, status model.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return requireRow(res, "worker")
}

// SetWorkerStatusIf moves a worker to a new status only from one of the
// listed current statuses. A zero-row result is reported as stale-version.
func (s *Store) SetWorkerStatusIf(ctx context.Context, id uuid.UUID, status model.WorkerStatus, from ...model.WorkerStatus) error {
	query, args, err := sqlx.In(`
		UPDATE workers
		SET status = ?, version = version + 1, updated_at = now()
		WHERE id = ? AND status IN (?)`,
		status, id, from)
	if err != nil {
		return fmt.Errorf("failed to build status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return requireRow(res, "worker")
}

// DeleteWorker removes a worker's registration. The caller releases any
// in-flight subtasks first; assignment records keep the worker id as a
// plain uuid, so history survives the delete.
func (s *Store) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return requireRow(res, "worker")
}

// IdleWorkers lists workers currently available for assignment.
func (s *Store) IdleWorkers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	err := s.db.SelectContext(ctx, &workers,
		`SELECT `+workerColumns+` FROM workers WHERE status IN ('idle', 'online') ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle workers: %w", err)
	}
	return workers, nil
}

// WorkersSilentSince lists non-offline workers whose last heartbeat is
// older than the cutoff. The reaper classifies them as stale or dead by
// how far past the cutoff they are.
func (s *Store) WorkersSilentSince(ctx context.Context, cutoff time.Time) ([]model.Worker, error) {
	var workers []model.Worker
	err := s.db.SelectContext(ctx, &workers,
		`SELECT `+workerColumns+` FROM workers WHERE status <> 'offline' AND last_heartbeat < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list silent workers: %w", err)
	}
	return workers, nil
}

// RecoverDeadWorker marks a worker offline and returns every subtask it
// held to pending, recording a recovery marker in each subtask's output.
// The whole recovery is one transaction so a crash mid-sweep never leaves
// a subtask assigned to an offline worker. Returns the released subtask
// ids so the caller can evict cache entries and kick the allocator.
func (s *Store) RecoverDeadWorker(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	var released []uuid.UUID
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET status = 'offline', version = version + 1, updated_at = now()
			WHERE id = $1 AND status <> 'offline'`,
			workerID)
		if err != nil {
			return fmt.Errorf("failed to mark worker offline: %w", err)
		}
		if err := requireRow(res, "worker"); err != nil {
			return err
		}

		err = tx.SelectContext(ctx, &released, `
			UPDATE subtasks
			SET status = 'pending', assigned_worker = NULL,
			    output = jsonb_set(output, '{recovery_count}',
			        to_jsonb(COALESCE((output->>'recovery_count')::int, 0) + 1)),
			    version = version + 1, updated_at = now()
			WHERE assigned_worker = $1 AND status = 'in_progress'
			RETURNING id`,
			workerID)
		if err != nil {
			return fmt.Errorf("failed to release dead worker's subtasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
