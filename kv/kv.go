// Package kv is the ephemeral state layer on Redis: worker liveness and
// current-assignment markers, the subtask queue mirror, the review index,
// and the revoked-token list. It is a cache over the durable store, never
// a source of truth; every value here can be re-derived, so callers treat
// write failures as degraded service rather than hard errors.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tailored-agentic-units/controlplane/config"
)

const (
	currentTaskPrefix  = "worker:current_task:"
	workerStatusPrefix = "worker:status:"
	queueKey           = "subtasks:queue"
	inProgressKey      = "subtasks:in_progress"
	reviewPrefix       = "review:request:"
	reviewQueueKey     = "review:queue"
	reviewUserPrefix   = "review:user:"
	blacklistPrefix    = "token:blacklist:"
)

// Store wraps the redis client with the control plane's key layout.
type Store struct {
	rdb redis.UniversalClient
}

// New connects to redis.
func New(cfg config.KVConfig) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout.Std(),
		ReadTimeout:  cfg.Timeout.Std(),
		WriteTimeout: cfg.Timeout.Std(),
	})}
}

// NewWithClient wraps an existing client. Used by tests (miniredis).
func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// SetCurrentTask marks which subtask a worker holds. The TTL equals the
// subtask timeout so an abandoned marker cannot outlive the assignment.
func (s *Store) SetCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error {
	return s.rdb.Set(ctx, currentTaskPrefix+workerID.String(), subtaskID.String(), ttl).Err()
}

// CurrentTask returns the subtask a worker holds, or uuid.Nil if none.
func (s *Store) CurrentTask(ctx context.Context, workerID uuid.UUID) (uuid.UUID, error) {
	val, err := s.rdb.Get(ctx, currentTaskPrefix+workerID.String()).Result()
	if err == redis.Nil {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt current-task marker: %w", err)
	}
	return id, nil
}

// ClearCurrentTask removes a worker's assignment marker.
func (s *Store) ClearCurrentTask(ctx context.Context, workerID uuid.UUID) error {
	return s.rdb.Del(ctx, currentTaskPrefix+workerID.String()).Err()
}

// SetWorkerStatus mirrors a worker's status string.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status string) error {
	return s.rdb.Set(ctx, workerStatusPrefix+workerID.String(), status, 0).Err()
}

// WorkerStatus returns the mirrored status, "" if unknown.
func (s *Store) WorkerStatus(ctx context.Context, workerID uuid.UUID) (string, error) {
	val, err := s.rdb.Get(ctx, workerStatusPrefix+workerID.String()).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ClearWorkerStatus drops the status mirror.
func (s *Store) ClearWorkerStatus(ctx context.Context, workerID uuid.UUID) error {
	return s.rdb.Del(ctx, workerStatusPrefix+workerID.String()).Err()
}

// EnqueueSubtask appends a subtask id to the queue mirror. The durable
// store orders by priority; the mirror only exists for cheap inspection.
func (s *Store) EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	return s.rdb.RPush(ctx, queueKey, subtaskID.String()).Err()
}

// DequeueSubtask removes a subtask id from the queue mirror.
func (s *Store) DequeueSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	return s.rdb.LRem(ctx, queueKey, 0, subtaskID.String()).Err()
}

// QueueLength reports the mirrored queue depth.
func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, queueKey).Result()
}

// MarkInProgress moves a subtask id into the in-progress set.
func (s *Store) MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, queueKey, 0, subtaskID.String())
	pipe.SAdd(ctx, inProgressKey, subtaskID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// ClearInProgress removes a subtask id from the in-progress set.
func (s *Store) ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	return s.rdb.SRem(ctx, inProgressKey, subtaskID.String()).Err()
}

// InProgress lists the mirrored in-progress subtask ids.
func (s *Store) InProgress(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, inProgressKey).Result()
}
