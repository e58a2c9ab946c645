package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tailored-agentic-units/controlplane/model"
)

const nodeColumns = `id, workflow_id, name, kind, status, config, input,
	output, retry_count, max_retries, version, created_at, updated_at,
	started_at, ended_at`

func insertNode(ctx context.Context, tx *sqlx.Tx, n *model.Node) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, workflow_id, name, kind, status, config, input, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.WorkflowID, n.Name, n.Kind, n.Status, n.Config, n.Input, n.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to insert node %s: %w", n.Name, err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sqlx.Tx, e *model.Edge) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO edges (id, workflow_id, from_node, to_node, condition, label, loop_back)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkflowID, e.FromNode, e.ToNode, e.Condition, e.Label, e.LoopBack)
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

// Node loads one node by id.
func (s *Store) Node(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	var n model.Node
	err := s.db.GetContext(ctx, &n,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "node")
	}
	return &n, nil
}

// NodesByWorkflow lists all nodes of a workflow in creation order.
func (s *Store) NodesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error) {
	var nodes []model.Node
	err := s.db.SelectContext(ctx, &nodes,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = $1 ORDER BY created_at, id`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// EdgesByWorkflow lists all edges of a workflow.
func (s *Store) EdgesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error) {
	var edges []model.Edge
	err := s.db.SelectContext(ctx, &edges, `
		SELECT id, workflow_id, from_node, to_node, condition, label, loop_back
		FROM edges WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return edges, nil
}

// UpdateNode writes back a node's status, output, retry counter, and
// timestamps with a version-checked write.
func (s *Store) UpdateNode(ctx context.Context, n *model.Node) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET status = $1, output = $2, retry_count = $3,
		    started_at = COALESCE(started_at, $4),
		    ended_at = $5,
		    version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7`,
		n.Status, n.Output, n.RetryCount, n.StartedAt, n.EndedAt, n.ID, n.Version)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if err := requireRow(res, "node"); err != nil {
		return err
	}
	n.Version++
	return nil
}

// ResetNodes returns loop-body nodes to pending for the next iteration.
// The nodes' completed subtasks are cancelled in the same transaction so
// the next pass creates fresh work instead of reusing a stale result.
func (s *Store) ResetNodes(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			UPDATE nodes
			SET status = 'pending', output = '{}', retry_count = 0,
			    started_at = NULL, ended_at = NULL,
			    version = version + 1, updated_at = now()
			WHERE id IN (?)`, ids)
		if err != nil {
			return fmt.Errorf("failed to build reset query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to reset nodes: %w", err)
		}
		query, args, err = sqlx.In(`
			UPDATE subtasks
			SET status = 'cancelled', updated_at = now()
			WHERE node_id IN (?) AND status = 'completed'`, ids)
		if err != nil {
			return fmt.Errorf("failed to build subtask reset query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to supersede reset subtasks: %w", err)
		}
		return nil
	})
}

// AppendGraph adds director-produced nodes and edges to an existing
// workflow and bumps its total-node counter, all in one transaction. The
// caller re-validates acyclicity against the full graph first.
func (s *Store) AppendGraph(ctx context.Context, workflowID uuid.UUID, nodes []model.Node, edges []model.Edge) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
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
		if len(nodes) > 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE workflows SET total_nodes = total_nodes + $1, updated_at = now()
				WHERE id = $2`,
				len(nodes), workflowID)
			if err != nil {
				return fmt.Errorf("failed to bump total nodes: %w", err)
			}
		}
		return nil
	})
}
