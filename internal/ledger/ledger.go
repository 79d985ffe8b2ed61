// Package ledger implements the tranche capital ledger: NAV-per-share
// deposits and withdrawals, premium distribution across ranked tranches, and
// the junior-to-senior loss waterfall behind claim settlement.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
)

// Transferer forwards value to an external account. Implementations enqueue
// the transfer and return immediately; delivery is asynchronous and
// at-least-once, keyed by opID for receiver-side dedup.
type Transferer interface {
	Transfer(ctx context.Context, opID string, to common.Address, amount int64, memo string) error
}

// TrancheSpec configures one tranche at ledger creation. Ordering is fixed
// for the ledger's lifetime: ID 1 is the most senior.
type TrancheSpec struct {
	ID                int
	APYMinBps         int
	APYMaxBps         int
	Curve             domain.CurveShape
	AllocationPercent int
}

// Config holds the immutable ledger parameters.
type Config struct {
	Tranches         []TrancheSpec
	Slices           []domain.PremiumSlice
	BreakerWindow    time.Duration
	BreakerThreshold int64
	StakeLock        time.Duration
	// OpTTL is how long a completed operation id stays claimed in the OpSet,
	// bounding the at-most-once dedup window for retried deliveries.
	OpTTL time.Duration
}

type depKey struct {
	account   common.Address
	trancheID int
}

// Ledger is the vault ledger actor. All state is owned by the struct and
// mutated under a single mutex, so each operation runs to completion before
// the next is admitted.
type Ledger struct {
	mu sync.Mutex

	clock    clockwork.Clock
	logger   *slog.Logger
	transfer Transferer
	ops      domain.OpSet // nil disables cross-instance dedup

	tranches []*domain.Tranche // ascending ID, 1 = most senior
	byID     map[int]*domain.Tranche
	slices   []domain.PremiumSlice

	depositors map[depKey]*domain.DepositorBalance

	totalCoverageSold   int64
	accumulatedPremiums int64
	accumulatedLosses   int64

	breakerWindowStart time.Time
	breakerAccum       int64
	breakerWindow      time.Duration
	breakerThreshold   int64

	stakeLock time.Duration
	opTTL     time.Duration

	pendingOps map[string]struct{}
	seq        uint64
	paused     bool
	reentrancy bool

	admin           common.Address
	claimsProcessor common.Address
}

// New validates cfg and constructs a zero-balance ledger. Tranche allocation
// weights must sum to exactly 100 and slice percentages must leave room for
// the tranches.
func New(cfg Config, admin common.Address, transfer Transferer, ops domain.OpSet, clock clockwork.Clock, logger *slog.Logger) (*Ledger, error) {
	if len(cfg.Tranches) == 0 {
		return nil, fmt.Errorf("ledger: no tranches configured: %w", domain.ErrInvalidTranche)
	}

	byID := make(map[int]*domain.Tranche, len(cfg.Tranches))
	tranches := make([]*domain.Tranche, 0, len(cfg.Tranches))
	weightSum := 0
	for _, spec := range cfg.Tranches {
		if spec.ID <= 0 {
			return nil, fmt.Errorf("ledger: tranche id %d: %w", spec.ID, domain.ErrInvalidTranche)
		}
		if _, dup := byID[spec.ID]; dup {
			return nil, fmt.Errorf("ledger: duplicate tranche id %d: %w", spec.ID, domain.ErrInvalidTranche)
		}
		if !domain.ValidCurveShape(spec.Curve) {
			return nil, fmt.Errorf("ledger: tranche %d curve %q: %w", spec.ID, spec.Curve, domain.ErrInvalidTranche)
		}
		if spec.APYMinBps < 0 || spec.APYMaxBps < spec.APYMinBps {
			return nil, fmt.Errorf("ledger: tranche %d apy band [%d,%d]: %w", spec.ID, spec.APYMinBps, spec.APYMaxBps, domain.ErrInvalidTranche)
		}
		if spec.AllocationPercent < 0 || spec.AllocationPercent > 100 {
			return nil, fmt.Errorf("ledger: tranche %d weight %d: %w", spec.ID, spec.AllocationPercent, domain.ErrInvalidWeights)
		}
		weightSum += spec.AllocationPercent

		t := &domain.Tranche{
			ID:                spec.ID,
			APYMinBps:         spec.APYMinBps,
			APYMaxBps:         spec.APYMaxBps,
			Curve:             spec.Curve,
			AllocationPercent: spec.AllocationPercent,
		}
		byID[spec.ID] = t
		tranches = append(tranches, t)
	}
	if weightSum != 100 {
		return nil, fmt.Errorf("ledger: weights sum to %d: %w", weightSum, domain.ErrInvalidWeights)
	}
	sort.Slice(tranches, func(i, j int) bool { return tranches[i].ID < tranches[j].ID })

	slicePct := 0
	for _, s := range cfg.Slices {
		if s.Percent < 0 || s.Percent > 100 {
			return nil, fmt.Errorf("ledger: slice %q percent %d: %w", s.Name, s.Percent, domain.ErrInvalidParties)
		}
		slicePct += s.Percent
	}
	if slicePct >= 100 {
		return nil, fmt.Errorf("ledger: slices consume %d%%: %w", slicePct, domain.ErrInvalidParties)
	}

	opTTL := cfg.OpTTL
	if opTTL <= 0 {
		opTTL = 24 * time.Hour
	}

	return &Ledger{
		clock:              clock,
		logger:             logger.With(slog.String("component", "ledger")),
		transfer:           transfer,
		ops:                ops,
		tranches:           tranches,
		byID:               byID,
		slices:             cfg.Slices,
		depositors:         make(map[depKey]*domain.DepositorBalance),
		breakerWindowStart: clock.Now(),
		breakerWindow:      cfg.BreakerWindow,
		breakerThreshold:   cfg.BreakerThreshold,
		stakeLock:          cfg.StakeLock,
		opTTL:              opTTL,
		pendingOps:         make(map[string]struct{}),
		admin:              admin,
		claimsProcessor:    admin,
	}, nil
}

// Apply executes one operation with at-most-once semantics. The operation id
// is held in the in-flight set while executing and claimed in the OpSet for
// the dedup window on success; a failed operation releases its id so an
// identical retry can run once the underlying condition clears.
func (l *Ledger) Apply(ctx context.Context, caller common.Address, op Op) (Receipt, error) {
	id := op.OperationID()
	if id == "" {
		return Receipt{}, fmt.Errorf("ledger: %w", domain.ErrMissingOpID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, inflight := l.pendingOps[id]; inflight {
		return Receipt{}, fmt.Errorf("ledger: op %s: %w", id, domain.ErrDuplicateOperation)
	}
	if l.ops != nil {
		claimed, err := l.ops.Claim(ctx, id, l.opTTL)
		if err != nil {
			return Receipt{}, fmt.Errorf("ledger: claim op %s: %w", id, err)
		}
		if !claimed {
			return Receipt{}, fmt.Errorf("ledger: op %s: %w", id, domain.ErrDuplicateOperation)
		}
	}
	l.pendingOps[id] = struct{}{}
	defer delete(l.pendingOps, id)

	rcpt, err := l.apply(ctx, caller, op)
	if err != nil {
		if l.ops != nil {
			_ = l.ops.Release(ctx, id)
		}
		return Receipt{}, err
	}

	l.seq++
	rcpt.Seq = l.seq
	return rcpt, nil
}

// apply dispatches the operation variants. The switch is exhaustive over the
// sealed Op set; the guard clause at the bottom only fires if a new variant is
// added without a handler.
func (l *Ledger) apply(ctx context.Context, caller common.Address, op Op) (Receipt, error) {
	switch o := op.(type) {
	case DepositOp:
		return l.deposit(ctx, o)
	case WithdrawOp:
		return l.withdraw(ctx, caller, o)
	case DistributePremiumsOp:
		return l.distributePremiums(ctx, caller, o)
	case AbsorbLossOp:
		return l.absorbLoss(ctx, caller, o)
	case PauseOp:
		if caller != l.admin {
			return Receipt{}, fmt.Errorf("ledger: pause: %w", domain.ErrUnauthorized)
		}
		l.paused = true
		l.logger.InfoContext(ctx, "ledger paused", slog.String("by", caller.Hex()))
		return Receipt{}, nil
	case UnpauseOp:
		if caller != l.admin {
			return Receipt{}, fmt.Errorf("ledger: unpause: %w", domain.ErrUnauthorized)
		}
		l.paused = false
		l.logger.InfoContext(ctx, "ledger unpaused", slog.String("by", caller.Hex()))
		return Receipt{}, nil
	case SetAdminOp:
		if caller != l.admin {
			return Receipt{}, fmt.Errorf("ledger: set admin: %w", domain.ErrUnauthorized)
		}
		l.admin = o.Admin
		return Receipt{}, nil
	case SetClaimsProcessorOp:
		if caller != l.admin {
			return Receipt{}, fmt.Errorf("ledger: set claims processor: %w", domain.ErrUnauthorized)
		}
		l.claimsProcessor = o.Processor
		return Receipt{}, nil
	case SetTrancheWeightsOp:
		return l.setTrancheWeights(caller, o)
	case SetTrancheTokenOp:
		if caller != l.admin {
			return Receipt{}, fmt.Errorf("ledger: set tranche token: %w", domain.ErrUnauthorized)
		}
		t, ok := l.byID[o.TrancheID]
		if !ok {
			return Receipt{}, fmt.Errorf("ledger: tranche %d: %w", o.TrancheID, domain.ErrInvalidTranche)
		}
		t.Token = o.Token
		return Receipt{}, nil
	default:
		return Receipt{}, fmt.Errorf("ledger: unhandled operation %T", op)
	}
}

func (l *Ledger) deposit(ctx context.Context, op DepositOp) (Receipt, error) {
	if l.paused {
		return Receipt{}, fmt.Errorf("ledger: deposit: %w", domain.ErrPaused)
	}
	t, ok := l.byID[op.TrancheID]
	if !ok {
		return Receipt{}, fmt.Errorf("ledger: deposit tranche %d: %w", op.TrancheID, domain.ErrInvalidTranche)
	}
	if op.Amount <= 0 {
		return Receipt{}, fmt.Errorf("ledger: deposit amount %d: %w", op.Amount, domain.ErrInvalidAmount)
	}

	nav := t.NAVPerShare()
	shares := op.Amount * domain.NAVScale / nav
	if shares <= 0 {
		return Receipt{}, fmt.Errorf("ledger: deposit amount %d below share granularity: %w", op.Amount, domain.ErrInvalidAmount)
	}

	t.CapitalBalance += op.Amount
	t.ShareSupply += shares

	now := l.clock.Now()
	key := depKey{account: op.Account, trancheID: op.TrancheID}
	d, exists := l.depositors[key]
	if !exists {
		d = &domain.DepositorBalance{
			Account:    op.Account,
			TrancheID:  op.TrancheID,
			StakeStart: now,
		}
		l.depositors[key] = d
	}
	d.ShareBalance += shares
	d.LockUntil = now.Add(l.stakeLock)

	l.logger.InfoContext(ctx, "deposit",
		slog.String("account", op.Account.Hex()),
		slog.Int("tranche", op.TrancheID),
		slog.Int64("amount", op.Amount),
		slog.Int64("shares", shares),
		slog.Int64("nav", nav),
	)
	return Receipt{SharesMinted: shares}, nil
}

func (l *Ledger) withdraw(ctx context.Context, caller common.Address, op WithdrawOp) (Receipt, error) {
	if l.paused {
		return Receipt{}, fmt.Errorf("ledger: withdraw: %w", domain.ErrPaused)
	}
	if caller != op.Account && caller != l.admin {
		return Receipt{}, fmt.Errorf("ledger: withdraw for %s: %w", op.Account.Hex(), domain.ErrUnauthorized)
	}
	t, ok := l.byID[op.TrancheID]
	if !ok {
		return Receipt{}, fmt.Errorf("ledger: withdraw tranche %d: %w", op.TrancheID, domain.ErrInvalidTranche)
	}
	if op.ShareAmount <= 0 {
		return Receipt{}, fmt.Errorf("ledger: withdraw shares %d: %w", op.ShareAmount, domain.ErrInvalidAmount)
	}

	key := depKey{account: op.Account, trancheID: op.TrancheID}
	d, exists := l.depositors[key]
	if !exists || d.ShareBalance < op.ShareAmount {
		return Receipt{}, fmt.Errorf("ledger: withdraw %d shares from tranche %d: %w", op.ShareAmount, op.TrancheID, domain.ErrInsufficientShares)
	}
	if l.clock.Now().Before(d.LockUntil) {
		return Receipt{}, fmt.Errorf("ledger: tranche %d locked until %s: %w", op.TrancheID, d.LockUntil.UTC().Format(time.RFC3339), domain.ErrSharesLocked)
	}

	nav := t.NAVPerShare()
	proceeds := op.ShareAmount * nav / domain.NAVScale
	if proceeds > t.CapitalBalance {
		proceeds = t.CapitalBalance
	}

	d.ShareBalance -= op.ShareAmount
	t.ShareSupply -= op.ShareAmount
	t.CapitalBalance -= proceeds

	if err := l.transfer.Transfer(ctx, op.OpID, op.Account, proceeds, "withdraw"); err != nil {
		// Roll back; nothing downstream has been committed.
		d.ShareBalance += op.ShareAmount
		t.ShareSupply += op.ShareAmount
		t.CapitalBalance += proceeds
		return Receipt{}, fmt.Errorf("ledger: forward withdrawal: %w", err)
	}

	l.logger.InfoContext(ctx, "withdraw",
		slog.String("account", op.Account.Hex()),
		slog.Int("tranche", op.TrancheID),
		slog.Int64("shares", op.ShareAmount),
		slog.Int64("proceeds", proceeds),
	)
	return Receipt{Proceeds: proceeds}, nil
}

func (l *Ledger) setTrancheWeights(caller common.Address, op SetTrancheWeightsOp) (Receipt, error) {
	if caller != l.admin {
		return Receipt{}, fmt.Errorf("ledger: set weights: %w", domain.ErrUnauthorized)
	}
	if len(op.Weights) != len(l.tranches) {
		return Receipt{}, fmt.Errorf("ledger: weights cover %d of %d tranches: %w", len(op.Weights), len(l.tranches), domain.ErrInvalidWeights)
	}
	sum := 0
	for id, w := range op.Weights {
		if _, ok := l.byID[id]; !ok {
			return Receipt{}, fmt.Errorf("ledger: weight for unknown tranche %d: %w", id, domain.ErrInvalidTranche)
		}
		if w < 0 || w > 100 {
			return Receipt{}, fmt.Errorf("ledger: tranche %d weight %d: %w", id, w, domain.ErrInvalidWeights)
		}
		sum += w
	}
	if sum != 100 {
		return Receipt{}, fmt.Errorf("ledger: weights sum to %d: %w", sum, domain.ErrInvalidWeights)
	}
	for id, w := range op.Weights {
		l.byID[id].AllocationPercent = w
	}
	return Receipt{}, nil
}

// --- Queries ---

// GetTotalCapital returns the sum of all tranche capital balances.
func (l *Ledger) GetTotalCapital() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCapitalLocked()
}

func (l *Ledger) totalCapitalLocked() int64 {
	var total int64
	for _, t := range l.tranches {
		total += t.CapitalBalance
	}
	return total
}

// GetTrancheCapital returns the capital balance of one tranche.
func (l *Ledger) GetTrancheCapital(trancheID int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[trancheID]
	if !ok {
		return 0, fmt.Errorf("ledger: tranche %d: %w", trancheID, domain.ErrInvalidTranche)
	}
	return t.CapitalBalance, nil
}

// GetTrancheAPY returns the current quoted APY in basis points, positioned on
// the tranche's curve by pool utilization (coverage sold over total capital).
func (l *Ledger) GetTrancheAPY(trancheID int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[trancheID]
	if !ok {
		return 0, fmt.Errorf("ledger: tranche %d: %w", trancheID, domain.ErrInvalidTranche)
	}
	return curveAPY(t.Curve, t.APYMinBps, t.APYMaxBps, l.utilizationLocked()), nil
}

func (l *Ledger) utilizationLocked() float64 {
	total := l.totalCapitalLocked()
	if total == 0 {
		return 0
	}
	return float64(l.totalCoverageSold) / float64(total)
}

// GetTrancheInfo returns the full read-only view of one tranche.
func (l *Ledger) GetTrancheInfo(trancheID int) (domain.TrancheInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[trancheID]
	if !ok {
		return domain.TrancheInfo{}, fmt.Errorf("ledger: tranche %d: %w", trancheID, domain.ErrInvalidTranche)
	}
	return domain.TrancheInfo{
		ID:                t.ID,
		CapitalBalance:    t.CapitalBalance,
		ShareSupply:       t.ShareSupply,
		NAVPerShare:       t.NAVPerShare(),
		APYBps:            curveAPY(t.Curve, t.APYMinBps, t.APYMaxBps, l.utilizationLocked()),
		APYMinBps:         t.APYMinBps,
		APYMaxBps:         t.APYMaxBps,
		Curve:             t.Curve,
		AllocationPercent: t.AllocationPercent,
		AccumulatedYield:  t.AccumulatedYield,
		AccumulatedLosses: t.AccumulatedLosses,
	}, nil
}

// Tranches returns read-only views of every tranche in seniority order.
func (l *Ledger) Tranches() []domain.TrancheInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.TrancheInfo, 0, len(l.tranches))
	u := l.utilizationLocked()
	for _, t := range l.tranches {
		out = append(out, domain.TrancheInfo{
			ID:                t.ID,
			CapitalBalance:    t.CapitalBalance,
			ShareSupply:       t.ShareSupply,
			NAVPerShare:       t.NAVPerShare(),
			APYBps:            curveAPY(t.Curve, t.APYMinBps, t.APYMaxBps, u),
			APYMinBps:         t.APYMinBps,
			APYMaxBps:         t.APYMaxBps,
			Curve:             t.Curve,
			AllocationPercent: t.AllocationPercent,
			AccumulatedYield:  t.AccumulatedYield,
			AccumulatedLosses: t.AccumulatedLosses,
		})
	}
	return out
}

// GetDepositorBalance returns every tranche position held by account.
func (l *Ledger) GetDepositorBalance(account common.Address) []domain.DepositorBalance {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.DepositorBalance
	for _, t := range l.tranches {
		if d, ok := l.depositors[depKey{account: account, trancheID: t.ID}]; ok {
			out = append(out, *d)
		}
	}
	return out
}

// GetCircuitBreakerStatus reports the rolling loss window as of now.
func (l *Ledger) GetCircuitBreakerStatus() domain.CircuitBreakerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, accum := l.breakerWindowStart, l.breakerAccum
	if l.breakerWindow > 0 && l.clock.Now().Sub(start) > l.breakerWindow {
		// Window has lapsed; a fresh one starts on the next loss.
		accum = 0
	}
	return domain.CircuitBreakerStatus{
		WindowStart:     start,
		WindowDuration:  l.breakerWindow,
		LossAccumulator: accum,
		Threshold:       l.breakerThreshold,
		Tripped:         l.breakerThreshold > 0 && accum >= l.breakerThreshold,
	}
}

// Sequence returns the monotonic operation sequence number.
func (l *Ledger) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Paused reports whether the ledger is paused.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// AccumulatedTotals returns lifetime premium and loss totals plus coverage sold.
func (l *Ledger) AccumulatedTotals() (premiums, losses, coverageSold int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accumulatedPremiums, l.accumulatedLosses, l.totalCoverageSold
}

// DepositorBalances snapshots every depositor position for write-behind
// persistence.
func (l *Ledger) DepositorBalances() []domain.DepositorBalance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DepositorBalance, 0, len(l.depositors))
	for _, d := range l.depositors {
		out = append(out, *d)
	}
	return out
}

// RestoreDepositors reloads persisted balances at startup. Tranche capital and
// share supply are rebuilt from the same snapshot so NAV stays consistent.
func (l *Ledger) RestoreDepositors(balances []domain.DepositorBalance, trancheCapital map[int]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range balances {
		t, ok := l.byID[b.TrancheID]
		if !ok {
			return fmt.Errorf("ledger: restore tranche %d: %w", b.TrancheID, domain.ErrInvalidTranche)
		}
		bc := b
		l.depositors[depKey{account: b.Account, trancheID: b.TrancheID}] = &bc
		t.ShareSupply += b.ShareBalance
	}
	for id, capital := range trancheCapital {
		t, ok := l.byID[id]
		if !ok {
			return fmt.Errorf("ledger: restore capital tranche %d: %w", id, domain.ErrInvalidTranche)
		}
		t.CapitalBalance = capital
	}
	return nil
}
