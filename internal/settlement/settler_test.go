package settlement

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
	"github.com/coverpool/coverd/internal/ledger"
	"github.com/coverpool/coverd/internal/shard"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	claimant  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type fakeTransferer struct {
	mu        sync.Mutex
	transfers map[string]int64 // opID -> amount
}

func newFakeTransferer() *fakeTransferer {
	return &fakeTransferer{transfers: make(map[string]int64)}
}

func (f *fakeTransferer) Transfer(_ context.Context, opID string, _ common.Address, amount int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[opID] = amount
	return nil
}

type memDepositorStore struct {
	mu       sync.Mutex
	balances map[string]domain.DepositorBalance
}

func newMemDepositorStore() *memDepositorStore {
	return &memDepositorStore{balances: make(map[string]domain.DepositorBalance)}
}

func depositorKey(account common.Address, trancheID int) string {
	return fmt.Sprintf("%s:%d", account.Hex(), trancheID)
}

func (s *memDepositorStore) Upsert(_ context.Context, b domain.DepositorBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[depositorKey(b.Account, b.TrancheID)] = b
	return nil
}

func (s *memDepositorStore) Get(_ context.Context, account common.Address, trancheID int) (domain.DepositorBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[depositorKey(account, trancheID)]
	if !ok {
		return domain.DepositorBalance{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *memDepositorStore) ListByAccount(_ context.Context, account common.Address) ([]domain.DepositorBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DepositorBalance
	for _, b := range s.balances {
		if b.Account == account {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memDepositorStore) ListAll(_ context.Context) ([]domain.DepositorBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DepositorBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	return out, nil
}

type memNAVCache struct {
	mu   sync.Mutex
	navs map[int]int64
}

func newMemNAVCache() *memNAVCache {
	return &memNAVCache{navs: make(map[int]int64)}
}

func (c *memNAVCache) Set(_ context.Context, trancheID int, nav int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navs[trancheID] = nav
	return nil
}

func (c *memNAVCache) Get(_ context.Context, trancheID int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nav, ok := c.navs[trancheID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return nav, nil
}

func (c *memNAVCache) Invalidate(_ context.Context, trancheID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.navs, trancheID)
	return nil
}

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

type testEnv struct {
	settler    *Settler
	ledger     *ledger.Ledger
	router     *shard.Router
	transferer *fakeTransferer
	depositors *memDepositorStore
	nav        *memNAVCache
	policies   *memPolicyStore
	clock      *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transferer := newFakeTransferer()

	l, err := ledger.New(ledger.Config{
		Tranches: []ledger.TrancheSpec{
			{ID: 1, APYMinBps: 200, APYMaxBps: 800, Curve: domain.CurveLinear, AllocationPercent: 40},
			{ID: 2, APYMinBps: 500, APYMaxBps: 2500, Curve: domain.CurveSigmoidal, AllocationPercent: 60},
		},
		BreakerWindow:    time.Hour,
		BreakerThreshold: 1_000_000,
	}, admin, transferer, nil, clock, logger)
	require.NoError(t, err)

	policies := newMemPolicyStore()
	shards := make([]*shard.PolicyShard, 4)
	for i := range shards {
		shards[i] = shard.NewPolicyShard(i, len(shards), policies, clock, admin, logger)
	}
	router := shard.NewRouter()
	require.NoError(t, router.RegisterShards(0, shards))

	depositors := newMemDepositorStore()
	nav := newMemNAVCache()
	settler := NewSettler(l, router, depositors, nav, nil, nil, admin, logger)

	return &testEnv{
		settler:    settler,
		ledger:     l,
		router:     router,
		transferer: transferer,
		depositors: depositors,
		nav:        nav,
		policies:   policies,
		clock:      clock,
	}
}

func testPolicy(clock clockwork.Clock, seed string) domain.PolicyRecord {
	now := clock.Now()
	return domain.PolicyRecord{
		PolicyID:       crypto.Keccak256Hash([]byte(seed)),
		Owner:          claimant,
		Category:       domain.CategoryDepeg,
		CoverageAmount: 10_000,
		Premium:        500,
		StartTime:      now,
		EndTime:        now.Add(30 * 24 * time.Hour),
	}
}

func TestDepositPersistsPositionAndNAV(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rcpt, err := env.settler.Deposit(ctx, depositor, 1, 5_000)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), rcpt.SharesMinted)

	b, err := env.depositors.Get(ctx, depositor, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), b.ShareBalance)

	nav, err := env.nav.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.NAVScale, nav)
}

func TestSellPolicyCreatesAndDistributes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.settler.Deposit(ctx, depositor, 1, 4_000)
	require.NoError(t, err)
	_, err = env.settler.Deposit(ctx, depositor, 2, 6_000)
	require.NoError(t, err)

	p := testPolicy(env.clock, "policy-sell")
	_, err = env.settler.SellPolicy(ctx, p)
	require.NoError(t, err)

	home, err := env.router.ShardFor(p.PolicyID)
	require.NoError(t, err)
	status, err := home.GetPolicyStatus(ctx, p.PolicyID)
	require.NoError(t, err)
	require.True(t, status.Active)

	premiums, _, coverageSold := env.ledger.AccumulatedTotals()
	require.Equal(t, int64(500), premiums)
	require.Equal(t, int64(10_000), coverageSold)

	// Selling the same policy twice is rejected at creation.
	_, err = env.settler.SellPolicy(ctx, p)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestAbsorbClaimRunsWaterfallAndPaysClaimant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.settler.Deposit(ctx, depositor, 1, 4_000)
	require.NoError(t, err)
	_, err = env.settler.Deposit(ctx, depositor, 2, 6_000)
	require.NoError(t, err)

	require.NoError(t, env.settler.AbsorbClaim(ctx, "claim:abc", 7_000, claimant))
	require.Equal(t, int64(7_000), env.transferer.transfers["claim:abc"])

	// Junior tranche drains first.
	junior, err := env.ledger.GetTrancheCapital(2)
	require.NoError(t, err)
	require.Zero(t, junior)
	senior, err := env.ledger.GetTrancheCapital(1)
	require.NoError(t, err)
	require.Equal(t, int64(3_000), senior)

	// NAV cache reflects the post-loss values.
	juniorNAV, err := env.nav.Get(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, juniorNAV)
}

func TestAbsorbClaimInsufficientCapital(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.settler.Deposit(ctx, depositor, 1, 1_000)
	require.NoError(t, err)

	err = env.settler.AbsorbClaim(ctx, "claim:too-big", 50_000, claimant)
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)
	require.Empty(t, env.transferer.transfers)
}

func TestRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.settler.Deposit(ctx, depositor, 1, 2_500)
	require.NoError(t, err)

	written, err := env.settler.SnapshotPositions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	// Fresh process, same store.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l2, err := ledger.New(ledger.Config{
		Tranches: []ledger.TrancheSpec{
			{ID: 1, APYMinBps: 200, APYMaxBps: 800, Curve: domain.CurveLinear, AllocationPercent: 40},
			{ID: 2, APYMinBps: 500, APYMaxBps: 2500, Curve: domain.CurveSigmoidal, AllocationPercent: 60},
		},
	}, admin, newFakeTransferer(), nil, env.clock, logger)
	require.NoError(t, err)

	s2 := NewSettler(l2, env.router, env.depositors, nil, nil, nil, admin, logger)
	require.NoError(t, s2.Restore(ctx))

	balances := l2.GetDepositorBalance(depositor)
	require.Len(t, balances, 1)
	require.Equal(t, int64(2_500), balances[0].ShareBalance)

	capital, err := l2.GetTrancheCapital(1)
	require.NoError(t, err)
	require.Equal(t, int64(2_500), capital)
}
