package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/coverpool/coverd/internal/domain"
)

// NAVCache implements domain.NAVCache using plain Redis strings, one key per
// tranche under the coverd keyspace. Values are refreshed by the settler
// after every ledger mutation, so no TTL is set; a stale value only survives
// until the next deposit, premium, or loss.
type NAVCache struct {
	rdb *redis.Client
}

// NewNAVCache creates a NAVCache backed by the given Client.
func NewNAVCache(c *Client) *NAVCache {
	return &NAVCache{rdb: c.Underlying()}
}

func navKey(trancheID int) string {
	return key("nav", "tranche", strconv.Itoa(trancheID))
}

// Set stores the scaled NAV-per-share for a tranche.
func (nc *NAVCache) Set(ctx context.Context, trancheID int, nav int64) error {
	if err := nc.rdb.Set(ctx, navKey(trancheID), nav, 0).Err(); err != nil {
		return fmt.Errorf("redis: set nav tranche %d: %w", trancheID, err)
	}
	return nil
}

// Get retrieves the scaled NAV-per-share for a tranche. It returns
// domain.ErrNotFound when no value has been cached yet.
func (nc *NAVCache) Get(ctx context.Context, trancheID int) (int64, error) {
	val, err := nc.rdb.Get(ctx, navKey(trancheID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("redis: get nav tranche %d: %w", trancheID, err)
	}

	nav, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse nav tranche %d: %w", trancheID, err)
	}
	return nav, nil
}

// Invalidate drops a tranche's cached NAV.
func (nc *NAVCache) Invalidate(ctx context.Context, trancheID int) error {
	if err := nc.rdb.Del(ctx, navKey(trancheID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate nav tranche %d: %w", trancheID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.NAVCache = (*NAVCache)(nil)
