// Package shard partitions policy storage horizontally. The router maps a
// policy id to its owning shard by hashing the id; each shard rejects
// operations for policies it does not own, so a stale routing table fails
// loudly instead of silently splitting a policy across shards.
package shard

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coverpool/coverd/internal/domain"
)

// Router owns the shard routing table. Shard indices are dense, 0-based, and
// append-only: shards are registered in batches and never removed, so a
// policy's home shard is stable for its lifetime.
type Router struct {
	mu     sync.RWMutex
	shards []*PolicyShard
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// RegisterShards appends a batch of shards starting at startIndex, which must
// equal the current shard count. The explicit index makes double-registration
// of the same batch detectable.
func (r *Router) RegisterShards(startIndex int, shards []*PolicyShard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if startIndex != len(r.shards) {
		return fmt.Errorf("shard: register at index %d, next is %d: %w", startIndex, len(r.shards), domain.ErrUnknownShard)
	}
	for i, s := range shards {
		if s == nil {
			return fmt.Errorf("shard: nil shard at index %d: %w", startIndex+i, domain.ErrUnknownShard)
		}
		if s.ID() != startIndex+i {
			return fmt.Errorf("shard: shard id %d at index %d: %w", s.ID(), startIndex+i, domain.ErrUnknownShard)
		}
	}
	r.shards = append(r.shards, shards...)
	return nil
}

// ShardFor resolves the owning shard for policyID: keccak256(policyID) mod
// the shard count.
func (r *Router) ShardFor(policyID common.Hash) (*PolicyShard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.shards) == 0 {
		return nil, fmt.Errorf("shard: no shards registered: %w", domain.ErrUnknownShard)
	}
	return r.shards[shardIndex(policyID, len(r.shards))], nil
}

// Shard returns the shard with the given id.
func (r *Router) Shard(id int) (*PolicyShard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.shards) {
		return nil, fmt.Errorf("shard: id %d: %w", id, domain.ErrUnknownShard)
	}
	return r.shards[id], nil
}

// Shards returns all registered shards in index order.
func (r *Router) Shards() []*PolicyShard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PolicyShard, len(r.shards))
	copy(out, r.shards)
	return out
}

// Count returns the number of registered shards.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

// shardIndex hashes the policy id and reduces it modulo count. The full
// 256-bit digest is reduced with big.Int so the distribution does not depend
// on which bytes of the hash survive a truncation.
func shardIndex(policyID common.Hash, count int) int {
	digest := crypto.Keccak256Hash(policyID.Bytes())
	n := new(big.Int).SetBytes(digest.Bytes())
	return int(n.Mod(n, big.NewInt(int64(count))).Int64())
}
