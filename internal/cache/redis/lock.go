package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coverpool/coverd/internal/domain"
)

// releaseLua deletes a lease key only when it still holds the caller's token.
// A holder whose lease expired mid-sweep must not delete the lease a later
// keeper has since taken.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager hands out keeper leases via SETNX with a TTL. A lease names a
// unit of sweep work ("sweep", "archive"); at most one process holds it at a
// time, and a crashed holder frees it by expiry.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the lease named by name for at most ttl. On success it returns
// a release func that is idempotent and safe from any goroutine. When another
// process holds the lease it returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	leaseKey := key("lease", name)

	ok, err := lm.rdb.SetNX(ctx, leaseKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	return sync.OnceFunc(func() {
		// Detached context so a cancelled sweep still releases its lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.release.Run(releaseCtx, lm.rdb, []string{leaseKey}, token).Err()
	}), nil
}

var _ domain.LockManager = (*LockManager)(nil)
