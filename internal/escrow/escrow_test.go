package escrow

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
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	payee     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	authority = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	arbiter   = common.HexToAddress("0x00000000000000000000000000000000000000b4")

	commitment = crypto.Keccak256Hash([]byte("shipment-received"))
)

type memEscrowStore struct {
	mu      sync.Mutex
	escrows map[string]domain.Escrow
}

func newMemEscrowStore() *memEscrowStore {
	return &memEscrowStore{escrows: make(map[string]domain.Escrow)}
}

func (s *memEscrowStore) Create(_ context.Context, e domain.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.escrows[e.ID] = e
	return nil
}

func (s *memEscrowStore) Update(_ context.Context, e domain.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return domain.ErrNotFound
	}
	s.escrows[e.ID] = e
	return nil
}

func (s *memEscrowStore) GetByID(_ context.Context, id string) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return domain.Escrow{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *memEscrowStore) ListActiveExpired(_ context.Context, now time.Time, _ domain.ListOpts) ([]domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Escrow
	for _, e := range s.escrows {
		if e.Status == domain.EscrowStatusActive && !now.Before(e.TimeoutAt) {
			out = append(out, e)
		}
	}
	return out, nil
}

type transfer struct {
	opID   string
	to     common.Address
	amount int64
}

type fakeTransferer struct {
	mu        sync.Mutex
	transfers []transfer
	err       error
}

func (f *fakeTransferer) Transfer(_ context.Context, opID string, to common.Address, amount int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.transfers = append(f.transfers, transfer{opID: opID, to: to, amount: amount})
	return nil
}

func (f *fakeTransferer) received(to common.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, tr := range f.transfers {
		if tr.to == to {
			total += tr.amount
		}
	}
	return total
}

func newTestService(t *testing.T) (*Service, *fakeTransferer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	transferer := &fakeTransferer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(newMemEscrowStore(), transferer, nil, nil, clock, logger)
	return svc, transferer, clock
}

func params() InitParams {
	return InitParams{
		Payer:               payer,
		Payee:               payee,
		OracleAuthority:     authority,
		Amount:              100,
		Timeout:             time.Hour,
		Policy:              domain.TimeoutPolicy{Kind: domain.TimeoutRefundPayer},
		ConditionCommitment: commitment,
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	svc, transferer, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusActive, e.Status)

	released, err := svc.Release(ctx, authority, e.ID, commitment)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusReleased, released.Status)
	require.Equal(t, int64(100), transferer.received(payee))

	// Terminal: a second release must fail.
	_, err = svc.Release(ctx, authority, e.ID, commitment)
	require.ErrorIs(t, err, domain.ErrAlreadyFinalized)
}

func TestReleaseRequiresAuthorityAndMatchingCommitment(t *testing.T) {
	svc, transferer, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	_, err = svc.Release(ctx, payee, e.ID, commitment)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	wrong := crypto.Keccak256Hash([]byte("something-else"))
	_, err = svc.Release(ctx, authority, e.ID, wrong)
	require.ErrorIs(t, err, domain.ErrConditionMismatch)

	require.Empty(t, transferer.transfers)
	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusActive, got.Status)
}

func TestMultiPartyReleaseSplitsWithRemainderToPayee(t *testing.T) {
	svc, transferer, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	parties := []domain.Party{{Account: arbiter, Percent: 15}}
	_, err = svc.MultiPartyRelease(ctx, authority, e.ID, commitment, parties)
	require.NoError(t, err)

	require.Equal(t, int64(15), transferer.received(arbiter))
	require.Equal(t, int64(85), transferer.received(payee))
}

func TestMultiPartyReleaseRejectsOverallocation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	parties := []domain.Party{
		{Account: arbiter, Percent: 60},
		{Account: payer, Percent: 50},
	}
	_, err = svc.MultiPartyRelease(ctx, authority, e.ID, commitment, parties)
	require.ErrorIs(t, err, domain.ErrInvalidParties)
}

func TestCancelRefundsPayer(t *testing.T) {
	svc, transferer, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, authority, e.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	cancelled, err := svc.Cancel(ctx, payer, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusCancelled, cancelled.Status)
	require.Equal(t, int64(100), transferer.received(payer))
}

func TestTimeoutSplitPolicy(t *testing.T) {
	svc, transferer, clock := newTestService(t)
	ctx := context.Background()

	p := params()
	p.Policy = domain.TimeoutPolicy{Kind: domain.TimeoutSplit, PercentToPayee: 60}
	e, err := svc.Initialize(ctx, p)
	require.NoError(t, err)

	// Too early.
	_, err = svc.HandleTimeout(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrNotTimedOut)

	clock.Advance(2 * time.Hour)

	resolved, err := svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusTimedOut, resolved.Status)
	require.NotNil(t, resolved.ResolvedPolicy)
	require.Equal(t, domain.TimeoutSplit, *resolved.ResolvedPolicy)
	require.Equal(t, int64(60), transferer.received(payee))
	require.Equal(t, int64(40), transferer.received(payer))

	// Timeout resolution happens exactly once.
	_, err = svc.HandleTimeout(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyFinalized)
}

func TestTimeoutRefundAndReleasePolicies(t *testing.T) {
	svc, transferer, clock := newTestService(t)
	ctx := context.Background()

	refund := params()
	refundEscrow, err := svc.Initialize(ctx, refund)
	require.NoError(t, err)

	release := params()
	release.Policy = domain.TimeoutPolicy{Kind: domain.TimeoutReleasePayee}
	releaseEscrow, err := svc.Initialize(ctx, release)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)

	_, err = svc.HandleTimeout(ctx, refundEscrow.ID)
	require.NoError(t, err)
	_, err = svc.HandleTimeout(ctx, releaseEscrow.ID)
	require.NoError(t, err)

	require.Equal(t, int64(100), transferer.received(payer))
	require.Equal(t, int64(100), transferer.received(payee))
}

func TestFreezeBlocksTimeoutUntilEmergencyWithdraw(t *testing.T) {
	svc, transferer, clock := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	_, err = svc.Freeze(ctx, authority, e.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	// Disputed escrows never auto-resolve.
	_, err = svc.HandleTimeout(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	// The payer cannot bail out before the deadlock period elapses.
	_, err = svc.EmergencyWithdraw(ctx, payer, e.ID)
	require.ErrorIs(t, err, domain.ErrDisputeWindowOpen)
	_, err = svc.EmergencyWithdraw(ctx, payee, e.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	clock.Advance(domain.DisputeDeadlock)

	withdrawn, err := svc.EmergencyWithdraw(ctx, payer, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusCancelled, withdrawn.Status)
	require.Equal(t, int64(100), transferer.received(payer))
}

func TestAuthorityReleaseResolvesDispute(t *testing.T) {
	svc, transferer, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	_, err = svc.Freeze(ctx, authority, e.ID)
	require.NoError(t, err)

	released, err := svc.Release(ctx, authority, e.ID, commitment)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusReleased, released.Status)
	require.Equal(t, int64(100), transferer.received(payee))
}

func TestUpdateOracleAuthority(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	_, err = svc.UpdateOracleAuthority(ctx, payer, e.ID, arbiter)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.UpdateOracleAuthority(ctx, authority, e.ID, arbiter)
	require.NoError(t, err)

	_, err = svc.Release(ctx, authority, e.ID, commitment)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = svc.Release(ctx, arbiter, e.ID, commitment)
	require.NoError(t, err)
}

func TestInitializeValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	p := params()
	p.Amount = 0
	_, err := svc.Initialize(ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	p = params()
	p.ConditionCommitment = common.Hash{}
	_, err = svc.Initialize(ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)

	p = params()
	p.Policy = domain.TimeoutPolicy{Kind: domain.TimeoutSplit, PercentToPayee: 130}
	_, err = svc.Initialize(ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidParties)
}

func TestSweepExpiredResolvesOnlyDueEscrows(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	short := params()
	_, err := svc.Initialize(ctx, short)
	require.NoError(t, err)

	long := params()
	long.Timeout = 48 * time.Hour
	longEscrow, err := svc.Initialize(ctx, long)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	resolved, err := svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	got, err := svc.Get(ctx, longEscrow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowStatusActive, got.Status)
}

func TestTimeRemaining(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	e, err := svc.Initialize(ctx, params())
	require.NoError(t, err)

	remaining, err := svc.TimeRemaining(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, time.Hour, remaining)

	clock.Advance(40 * time.Minute)
	remaining, err = svc.TimeRemaining(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, remaining)

	clock.Advance(time.Hour)
	remaining, err = svc.TimeRemaining(ctx, e.ID)
	require.NoError(t, err)
	require.Zero(t, remaining)

	timedOut, err := svc.IsTimedOut(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, timedOut)
}
