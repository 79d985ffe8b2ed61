package claims

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
)

// Registry is the verified-event registry: an append-only set of
// oracle-attested loss event hashes. The persistent store is the authority;
// an in-memory set in front of it keeps the auto-approval path off the
// database for hashes seen since startup.
type Registry struct {
	mu     sync.RWMutex
	events map[common.Hash]struct{}
	store  domain.VerifiedEventStore
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store domain.VerifiedEventStore) *Registry {
	return &Registry{
		events: make(map[common.Hash]struct{}),
		store:  store,
	}
}

// Add appends an event hash. Adding a hash that is already present is a no-op,
// so oracle retries are harmless.
func (r *Registry) Add(ctx context.Context, ev domain.VerifiedEvent) error {
	if err := r.store.Add(ctx, ev); err != nil {
		return fmt.Errorf("claims: add verified event: %w", err)
	}
	r.mu.Lock()
	r.events[ev.Hash] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Contains reports whether hash has been attested. Misses in the memory set
// fall through to the store, covering hashes attested before this process
// started.
func (r *Registry) Contains(ctx context.Context, hash common.Hash) (bool, error) {
	r.mu.RLock()
	_, ok := r.events[hash]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}

	found, err := r.store.Contains(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("claims: check verified event: %w", err)
	}
	if found {
		r.mu.Lock()
		r.events[hash] = struct{}{}
		r.mu.Unlock()
	}
	return found, nil
}
