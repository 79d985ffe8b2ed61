package claims

import (
	"context"
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
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	claimant = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	policyID = crypto.Keccak256Hash([]byte("policy-1"))
	evidence = crypto.Keccak256Hash([]byte("depeg-2026-03-01"))
)

type memClaimStore struct {
	mu     sync.Mutex
	claims map[string]domain.Claim
}

func newMemClaimStore() *memClaimStore {
	return &memClaimStore{claims: make(map[string]domain.Claim)}
}

func (s *memClaimStore) Create(_ context.Context, c domain.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[c.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.claims[c.ID] = c
	return nil
}

func (s *memClaimStore) Resolve(_ context.Context, id string, status domain.ClaimStatus, auto bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != domain.ClaimStatusPending {
		return domain.ErrAlreadyResolved
	}
	c.Status = status
	c.AutoApproved = auto
	c.ResolvedAt = &at
	s.claims[id] = c
	return nil
}

func (s *memClaimStore) GetByID(_ context.Context, id string) (domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok {
		return domain.Claim{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memClaimStore) ListByStatus(_ context.Context, status domain.ClaimStatus, _ domain.ListOpts) ([]domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Claim
	for _, c := range s.claims {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memClaimStore) ListByPolicy(_ context.Context, policyID common.Hash) ([]domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Claim
	for _, c := range s.claims {
		if c.PolicyID == policyID {
			out = append(out, c)
		}
	}
	return out, nil
}

type memEventStore struct {
	mu     sync.Mutex
	events map[common.Hash]domain.VerifiedEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[common.Hash]domain.VerifiedEvent)}
}

func (s *memEventStore) Add(_ context.Context, ev domain.VerifiedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.Hash]; !ok {
		s.events[ev.Hash] = ev
	}
	return nil
}

func (s *memEventStore) Contains(_ context.Context, h common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[h]
	return ok, nil
}

func (s *memEventStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

type absorbed struct {
	opID   string
	amount int64
	to     common.Address
}

type fakeAbsorber struct {
	mu    sync.Mutex
	calls []absorbed
	err   error
}

func (f *fakeAbsorber) AbsorbClaim(_ context.Context, opID string, amount int64, to common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, absorbed{opID: opID, amount: amount, to: to})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeAbsorber, *memClaimStore) {
	t.Helper()
	store := newMemClaimStore()
	registry := NewRegistry(newMemEventStore())
	absorber := &fakeAbsorber{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(store, registry, absorber, nil, nil, admin, clockwork.NewFakeClock(), logger)
	return engine, absorber, store
}

func TestAutoApproveObjectiveCategoryWithVerifiedEvidence(t *testing.T) {
	engine, absorber, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AddVerifiedEvent(ctx, admin, evidence))

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategoryDepeg, 5000, evidence)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusApproved, claim.Status)
	require.True(t, claim.AutoApproved)

	require.Len(t, absorber.calls, 1)
	require.Equal(t, "claim:"+claim.ID, absorber.calls[0].opID)
	require.Equal(t, int64(5000), absorber.calls[0].amount)
	require.Equal(t, claimant, absorber.calls[0].to)
}

func TestSubjectiveCategoryStaysPendingDespiteEvidence(t *testing.T) {
	engine, absorber, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AddVerifiedEvent(ctx, admin, evidence))

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategorySubjective, 5000, evidence)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusPending, claim.Status)
	require.False(t, claim.AutoApproved)
	require.Empty(t, absorber.calls)
}

func TestObjectiveCategoryWithoutEvidenceStaysPending(t *testing.T) {
	engine, absorber, _ := newTestEngine(t)

	claim, err := engine.FileClaim(context.Background(), claimant, policyID, domain.CategoryExploit, 1000, evidence)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusPending, claim.Status)
	require.Empty(t, absorber.calls)
}

func TestFailedPayoutLeavesClaimPending(t *testing.T) {
	engine, absorber, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AddVerifiedEvent(ctx, admin, evidence))
	absorber.err = domain.ErrInsufficientCapital

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategoryDepeg, 5000, evidence)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusPending, claim.Status)

	// Capital recovers; an admin can now approve the same claim.
	absorber.err = nil
	resolved, err := engine.AdminApprove(ctx, admin, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusApproved, resolved.Status)
	require.False(t, resolved.AutoApproved)
	require.Len(t, absorber.calls, 1)
}

func TestAdminApproveAuthorizationAndTerminality(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategoryCustodial, 1000, common.Hash{})
	require.NoError(t, err)

	_, err = engine.AdminApprove(ctx, claimant, claim.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = engine.AdminApprove(ctx, admin, claim.ID)
	require.NoError(t, err)

	// Terminal: neither approve nor reject may run again.
	_, err = engine.AdminApprove(ctx, admin, claim.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = engine.AdminReject(ctx, admin, claim.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestAdminRejectNoPayout(t *testing.T) {
	engine, absorber, store := newTestEngine(t)
	ctx := context.Background()

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategoryGovernance, 700, common.Hash{})
	require.NoError(t, err)

	rejected, err := engine.AdminReject(ctx, admin, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusRejected, rejected.Status)
	require.Empty(t, absorber.calls)

	got, err := store.GetByID(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusRejected, got.Status)
}

func TestFailedApprovalKeepsBreakerErrorRetryable(t *testing.T) {
	engine, absorber, _ := newTestEngine(t)
	ctx := context.Background()

	claim, err := engine.FileClaim(ctx, claimant, policyID, domain.CategoryCustodial, 1000, common.Hash{})
	require.NoError(t, err)

	absorber.err = domain.ErrCircuitBreakerTripped
	_, err = engine.AdminApprove(ctx, admin, claim.ID)
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTripped)
	require.True(t, domain.Retryable(err))

	got, err := engine.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ClaimStatusPending, got.Status)
}

func TestAddVerifiedEventIdempotentAndPrivileged(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.ErrorIs(t, engine.AddVerifiedEvent(ctx, claimant, evidence), domain.ErrUnauthorized)

	require.NoError(t, engine.AddVerifiedEvent(ctx, admin, evidence))
	require.NoError(t, engine.AddVerifiedEvent(ctx, admin, evidence))

	ok, err := engine.registry.Contains(ctx, evidence)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInvalidCategoryRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.FileClaim(context.Background(), claimant, policyID, "weather", 100, common.Hash{})
	require.ErrorIs(t, err, domain.ErrInvalidCategory)
	require.Equal(t, domain.KindConfiguration, domain.Kind(err))
}
