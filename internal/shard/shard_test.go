package shard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coverpool/coverd/internal/domain"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	owner = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type policyKey struct {
	shard int
	id    common.Hash
}

type memPolicyStore struct {
	mu       sync.Mutex
	policies map[policyKey]domain.PolicyRecord
}

func newMemPolicyStore() *memPolicyStore {
	return &memPolicyStore{policies: make(map[policyKey]domain.PolicyRecord)}
}

func (s *memPolicyStore) Create(_ context.Context, shardID int, p domain.PolicyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := policyKey{shard: shardID, id: p.PolicyID}
	if _, ok := s.policies[k]; ok {
		return domain.ErrAlreadyExists
	}
	s.policies[k] = p
	return nil
}

func (s *memPolicyStore) GetByID(_ context.Context, shardID int, policyID common.Hash) (domain.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyKey{shard: shardID, id: policyID}]
	if !ok {
		return domain.PolicyRecord{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPolicyStore) MarkClaimed(_ context.Context, shardID int, policyID common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := policyKey{shard: shardID, id: policyID}
	p, ok := s.policies[k]
	if !ok {
		return domain.ErrNotFound
	}
	p.Claimed = true
	s.policies[k] = p
	return nil
}

func (s *memPolicyStore) Deactivate(_ context.Context, shardID int, policyID common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := policyKey{shard: shardID, id: policyID}
	p, ok := s.policies[k]
	if !ok {
		return domain.ErrNotFound
	}
	p.Active = false
	s.policies[k] = p
	return nil
}

func (s *memPolicyStore) ListByOwner(_ context.Context, shardID int, owner common.Address) ([]domain.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PolicyRecord
	for k, p := range s.policies {
		if k.shard == shardID && p.Owner == owner {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPolicyStore) ListActiveExpired(_ context.Context, shardID int, now time.Time, _ domain.ListOpts) ([]domain.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PolicyRecord
	for k, p := range s.policies {
		if k.shard == shardID && p.Active && now.After(p.EndTime) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPolicyStore) Count(_ context.Context, shardID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.policies {
		if k.shard == shardID {
			n++
		}
	}
	return n, nil
}

func newTestRouter(t *testing.T, shardCount int) (*Router, *clockwork.FakeClock, *memPolicyStore) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := newMemPolicyStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shards := make([]*PolicyShard, shardCount)
	for i := range shards {
		shards[i] = NewPolicyShard(i, shardCount, store, clock, admin, logger)
	}
	r := NewRouter()
	require.NoError(t, r.RegisterShards(0, shards))
	return r, clock, store
}

func testPolicy(clock clockwork.Clock, id common.Hash) domain.PolicyRecord {
	now := clock.Now()
	return domain.PolicyRecord{
		PolicyID:       id,
		Owner:          owner,
		Category:       domain.CategoryDepeg,
		CoverageAmount: 10_000,
		Premium:        200,
		StartTime:      now,
		EndTime:        now.Add(365 * 24 * time.Hour),
	}
}

func TestEveryPolicyRoutesToExactlyOneShard(t *testing.T) {
	const shardCount = 256
	r, _, _ := newTestRouter(t, shardCount)

	for i := 0; i < 10_000; i++ {
		id := crypto.Keccak256Hash([]byte(fmt.Sprintf("policy-%d", i)))

		home, err := r.ShardFor(id)
		require.NoError(t, err)

		owners := 0
		for _, s := range r.Shards() {
			if s.Owns(id) {
				owners++
				require.Equal(t, home.ID(), s.ID())
			}
		}
		require.Equal(t, 1, owners, "policy %s", id.Hex())
	}
}

func TestRoutingIsDeterministic(t *testing.T) {
	r, _, _ := newTestRouter(t, 16)
	id := crypto.Keccak256Hash([]byte("policy-stable"))

	first, err := r.ShardFor(id)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := r.ShardFor(id)
		require.NoError(t, err)
		require.Equal(t, first.ID(), again.ID())
	}
}

func TestWrongShardRejected(t *testing.T) {
	r, clock, _ := newTestRouter(t, 8)
	id := crypto.Keccak256Hash([]byte("policy-misroute"))

	home, err := r.ShardFor(id)
	require.NoError(t, err)

	var wrong *PolicyShard
	for _, s := range r.Shards() {
		if s.ID() != home.ID() {
			wrong = s
			break
		}
	}
	require.NotNil(t, wrong)

	err = wrong.CreatePolicy(context.Background(), testPolicy(clock, id))
	require.ErrorIs(t, err, domain.ErrWrongShard)

	_, err = wrong.GetPolicyData(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrWrongShard)
}

func TestPolicyLifecycle(t *testing.T) {
	r, clock, _ := newTestRouter(t, 4)
	ctx := context.Background()
	id := crypto.Keccak256Hash([]byte("policy-lifecycle"))

	s, err := r.ShardFor(id)
	require.NoError(t, err)
	require.NoError(t, s.CreatePolicy(ctx, testPolicy(clock, id)))

	// Duplicate creation is rejected.
	err = s.CreatePolicy(ctx, testPolicy(clock, id))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	status, err := s.GetPolicyStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, status.Active)
	require.False(t, status.Claimed)
	require.False(t, status.Expired)

	err = s.MarkClaimed(ctx, owner, id)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, s.MarkClaimed(ctx, admin, id))
	require.NoError(t, s.DeactivatePolicy(ctx, admin, id))

	got, err := s.GetPolicyData(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Claimed)
	require.False(t, got.Active)

	policies, err := s.GetUserPolicies(ctx, owner)
	require.NoError(t, err)
	require.Len(t, policies, 1)
}

func TestPolicyExpirySweep(t *testing.T) {
	r, clock, _ := newTestRouter(t, 1)
	ctx := context.Background()
	s, err := r.Shard(0)
	require.NoError(t, err)

	short := testPolicy(clock, crypto.Keccak256Hash([]byte("policy-short")))
	short.EndTime = clock.Now().Add(time.Hour)
	require.NoError(t, s.CreatePolicy(ctx, short))

	long := testPolicy(clock, crypto.Keccak256Hash([]byte("policy-long")))
	require.NoError(t, s.CreatePolicy(ctx, long))

	clock.Advance(2 * time.Hour)

	retired, err := s.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, retired)

	status, err := s.GetPolicyStatus(ctx, short.PolicyID)
	require.NoError(t, err)
	require.False(t, status.Active)
	require.True(t, status.Expired)

	status, err = s.GetPolicyStatus(ctx, long.PolicyID)
	require.NoError(t, err)
	require.True(t, status.Active)
}

func TestRegisterShardsBatchIndexing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemPolicyStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRouter()
	first := []*PolicyShard{
		NewPolicyShard(0, 4, store, clock, admin, logger),
		NewPolicyShard(1, 4, store, clock, admin, logger),
	}
	require.NoError(t, r.RegisterShards(0, first))

	// Re-registering the same batch is detected.
	require.ErrorIs(t, r.RegisterShards(0, first), domain.ErrUnknownShard)

	second := []*PolicyShard{
		NewPolicyShard(2, 4, store, clock, admin, logger),
		NewPolicyShard(3, 4, store, clock, admin, logger),
	}
	require.NoError(t, r.RegisterShards(2, second))
	require.Equal(t, 4, r.Count())

	_, err := r.Shard(7)
	require.ErrorIs(t, err, domain.ErrUnknownShard)
}
