package domain

import (
	"context"
	"time"
)

// OpSet is the pending-operation-id dedup set. Cross-component messages are
// delivered at least once; Claim returns false for an id that has already been
// claimed, giving the receiver at-most-once execution. Release removes the id
// once the operation's full effect has landed or terminally failed so the
// caller can retry with the same id after a transient failure.
type OpSet interface {
	Claim(ctx context.Context, opID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, opID string) error
}

// LockManager provides distributed locking for keeper leases.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NAVCache caches tranche NAV-per-share values for read-heavy API queries.
type NAVCache interface {
	Set(ctx context.Context, trancheID int, nav int64) error
	Get(ctx context.Context, trancheID int) (int64, error)
	Invalidate(ctx context.Context, trancheID int) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries the fire-and-forget settlement messages between
// components: pub/sub for live subscribers, streams for durable ordered
// delivery to the archiver and ws hub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
