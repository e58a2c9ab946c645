package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tailored-agentic-units/controlplane/model"
)

// IndexCheckpoint caches a serialized checkpoint and adds it to the global
// review queue and, if assigned, the assignee's queue. Both sorted sets are
// scored by creation time so listings come back oldest first.
func (s *Store) IndexCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	score := float64(cp.CreatedAt.UnixNano())

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, reviewPrefix+cp.ID.String(), raw, 0)
	pipe.ZAdd(ctx, reviewQueueKey, redis.Z{Score: score, Member: cp.ID.String()})
	if cp.Assignee != "" {
		pipe.ZAdd(ctx, reviewUserPrefix+cp.Assignee, redis.Z{Score: score, Member: cp.ID.String()})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DropCheckpoint removes a checkpoint from the cache and both queues.
func (s *Store) DropCheckpoint(ctx context.Context, checkpointID uuid.UUID, assignee string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, reviewPrefix+checkpointID.String())
	pipe.ZRem(ctx, reviewQueueKey, checkpointID.String())
	if assignee != "" {
		pipe.ZRem(ctx, reviewUserPrefix+assignee, checkpointID.String())
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CachedCheckpoint returns the cached checkpoint or nil on a miss. A miss
// is normal; the durable store is authoritative.
func (s *Store) CachedCheckpoint(ctx context.Context, checkpointID uuid.UUID) (*model.Checkpoint, error) {
	raw, err := s.rdb.Get(ctx, reviewPrefix+checkpointID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ReviewQueue lists checkpoint ids oldest first, for everyone or one
// assignee.
func (s *Store) ReviewQueue(ctx context.Context, assignee string) ([]string, error) {
	key := reviewQueueKey
	if assignee != "" {
		key = reviewUserPrefix + assignee
	}
	return s.rdb.ZRange(ctx, key, 0, -1).Result()
}

// BlacklistToken revokes a credential until its natural expiry.
func (s *Store) BlacklistToken(ctx context.Context, tokenHash string, ttl time.Duration) error {
	return s.rdb.Set(ctx, blacklistPrefix+tokenHash, "1", ttl).Err()
}

// TokenBlacklisted reports whether a credential has been revoked.
func (s *Store) TokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.rdb.Exists(ctx, blacklistPrefix+tokenHash).Result()
	return n > 0, err
}
