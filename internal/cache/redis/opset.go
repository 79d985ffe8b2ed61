package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coverpool/coverd/internal/domain"
)

// OpSet implements domain.OpSet using Redis SETNX with a TTL. Each claimed
// operation id lives under the coverd keyspace until it is released or the
// TTL expires, whichever comes first.
type OpSet struct {
	rdb *redis.Client
}

// NewOpSet creates an OpSet backed by the given Client.
func NewOpSet(c *Client) *OpSet {
	return &OpSet{rdb: c.Underlying()}
}

func opKey(opID string) string {
	return key("op", opID)
}

// Claim marks an operation id as in flight. It returns false when the id is
// already claimed, which callers must treat as a duplicate delivery.
func (os *OpSet) Claim(ctx context.Context, opID string, ttl time.Duration) (bool, error) {
	ok, err := os.rdb.SetNX(ctx, opKey(opID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim op %s: %w", opID, err)
	}
	return ok, nil
}

// Release drops a claimed operation id so the same id can be retried.
// Releasing an unclaimed id is a no-op.
func (os *OpSet) Release(ctx context.Context, opID string) error {
	if err := os.rdb.Del(ctx, opKey(opID)).Err(); err != nil {
		return fmt.Errorf("redis: release op %s: %w", opID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.OpSet = (*OpSet)(nil)
