// Package store implements the durable side of the control plane on
// Postgres: workflows, nodes, edges, subtasks, workers, checkpoints, and
// evaluations. It is the single source of truth; every decision-making
// read is followed by a version-checked write, and optimistic-lock
// collisions surface as stale-version errors for the caller to retry.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
)

//go:embed schema.sql
var schemaDDL string

// Store wraps the Postgres connection pool with typed repositories.
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool using the pgx stdlib driver.
func New(cfg config.StoreConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests (sqlmock) and
// callers that manage the pool themselves.
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema applies the embedded DDL. Statements are idempotent
// (IF NOT EXISTS), so repeated boots are safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// requireRow converts a zero-rows-affected result into a stale-version
// error: the row either moved under us or no longer matches the guard.
func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return model.Ef(model.KindStaleVersion, "%s was modified concurrently", entity)
	}
	return nil
}

// notFound converts sql.ErrNoRows into a tagged not-found error.
func notFound(err error, entity string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ef(model.KindNotFound, "%s not found", entity)
	}
	return err
}
