// Package settlement orchestrates the core components: it fronts the tranche
// ledger for deposits, withdrawals and premium intake, bridges approved
// claims into the loss waterfall, and fans settlement effects out to the
// write-behind stores, the NAV cache and the event stream.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/ledger"
	"github.com/coverpool/coverd/internal/shard"
)

// EventStream is the durable stream settlement events are appended to.
const EventStream = "settlement:events"

// Settler coordinates one settlement flow end to end. The ledger remains the
// single source of truth; everything the Settler does after a successful
// Apply is best-effort fan-out that a restart can rebuild.
type Settler struct {
	ledger     *ledger.Ledger
	router     *shard.Router
	depositors domain.DepositorStore
	nav        domain.NAVCache
	bus        domain.SignalBus
	audit      domain.AuditStore
	logger     *slog.Logger

	// processor is the account the settler acts as when triggering privileged
	// ledger operations (premium distribution, loss absorption).
	processor common.Address
}

// NewSettler creates a Settler. nav, bus and audit may be nil in reduced
// deployments; the corresponding fan-out is skipped.
func NewSettler(
	l *ledger.Ledger,
	router *shard.Router,
	depositors domain.DepositorStore,
	nav domain.NAVCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	processor common.Address,
	logger *slog.Logger,
) *Settler {
	return &Settler{
		ledger:     l,
		router:     router,
		depositors: depositors,
		nav:        nav,
		bus:        bus,
		audit:      audit,
		processor:  processor,
		logger:     logger.With(slog.String("component", "settlement")),
	}
}

// Deposit mints tranche shares for account at the current NAV and persists
// the updated position.
func (s *Settler) Deposit(ctx context.Context, account common.Address, trancheID int, amount int64) (ledger.Receipt, error) {
	op := ledger.DepositOp{
		OpID:      "deposit:" + uuid.New().String(),
		Account:   account,
		TrancheID: trancheID,
		Amount:    amount,
	}
	rcpt, err := s.ledger.Apply(ctx, account, op)
	if err != nil {
		return ledger.Receipt{}, err
	}

	s.persistPositions(ctx, account)
	s.refreshNAV(ctx, trancheID)
	s.emit(ctx, "deposit", map[string]any{
		"account": account.Hex(),
		"tranche": trancheID,
		"amount":  amount,
		"shares":  rcpt.SharesMinted,
		"seq":     rcpt.Seq,
	})
	return rcpt, nil
}

// Withdraw burns shares and pays out pro-rata capital.
func (s *Settler) Withdraw(ctx context.Context, account common.Address, trancheID int, shareAmount int64) (ledger.Receipt, error) {
	op := ledger.WithdrawOp{
		OpID:        "withdraw:" + uuid.New().String(),
		Account:     account,
		TrancheID:   trancheID,
		ShareAmount: shareAmount,
	}
	rcpt, err := s.ledger.Apply(ctx, account, op)
	if err != nil {
		return ledger.Receipt{}, err
	}

	s.persistPositions(ctx, account)
	s.refreshNAV(ctx, trancheID)
	s.emit(ctx, "withdraw", map[string]any{
		"account":  account.Hex(),
		"tranche":  trancheID,
		"shares":   shareAmount,
		"proceeds": rcpt.Proceeds,
		"seq":      rcpt.Seq,
	})
	return rcpt, nil
}

// SellPolicy registers a new policy on its home shard and distributes the
// premium across tranches and slices. The policy is created first: a premium
// distribution that fails leaves an active unclaimable policy to reconcile,
// which is recoverable, whereas distributing a premium for a policy that was
// never recorded is not.
func (s *Settler) SellPolicy(ctx context.Context, p domain.PolicyRecord) (ledger.Receipt, error) {
	home, err := s.router.ShardFor(p.PolicyID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if err := home.CreatePolicy(ctx, p); err != nil {
		return ledger.Receipt{}, err
	}

	op := ledger.DistributePremiumsOp{
		OpID:         "premium:" + p.PolicyID.Hex(),
		Amount:       p.Premium,
		CoverageSold: p.CoverageAmount,
		PolicyID:     p.PolicyID,
	}
	rcpt, err := s.ledger.Apply(ctx, s.processor, op)
	if err != nil {
		s.logger.ErrorContext(ctx, "premium distribution failed after policy creation",
			slog.String("policy_id", p.PolicyID.Hex()),
			slog.String("error", err.Error()),
		)
		return ledger.Receipt{}, fmt.Errorf("settlement: distribute premium for %s: %w", p.PolicyID.Hex(), err)
	}

	s.refreshAllNAV(ctx)
	s.emit(ctx, "policy_sold", map[string]any{
		"policy_id": p.PolicyID.Hex(),
		"shard":     home.ID(),
		"owner":     p.Owner.Hex(),
		"coverage":  p.CoverageAmount,
		"premium":   p.Premium,
		"seq":       rcpt.Seq,
	})
	return rcpt, nil
}

// AbsorbClaim draws an approved claim amount through the loss waterfall and
// forwards the proceeds to the claimant. Implements the claims engine's
// absorber contract; opID carries the claim id so a redelivered settlement
// attempt is deduplicated by the ledger.
func (s *Settler) AbsorbClaim(ctx context.Context, opID string, amount int64, claimant common.Address) error {
	op := ledger.AbsorbLossOp{
		OpID:     opID,
		Amount:   amount,
		Claimant: claimant,
	}
	rcpt, err := s.ledger.Apply(ctx, s.processor, op)
	if err != nil {
		return err
	}

	s.refreshAllNAV(ctx)
	s.emit(ctx, "loss_absorbed", map[string]any{
		"op_id":      opID,
		"amount":     amount,
		"claimant":   claimant.Hex(),
		"deductions": rcpt.Deductions,
		"seq":        rcpt.Seq,
	})
	return nil
}

// Restore reloads persisted depositor positions into the ledger at startup.
func (s *Settler) Restore(ctx context.Context) error {
	if s.depositors == nil {
		return nil
	}
	balances, err := s.depositors.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("settlement: load depositor balances: %w", err)
	}
	if len(balances) == 0 {
		return nil
	}

	// Tranche capital is rebuilt as shares times par; accumulated premium and
	// loss history shifts NAV away from par only within a process lifetime.
	capital := make(map[int]int64)
	for _, b := range balances {
		capital[b.TrancheID] += b.ShareBalance
	}
	if err := s.ledger.RestoreDepositors(balances, capital); err != nil {
		return fmt.Errorf("settlement: restore ledger: %w", err)
	}
	s.logger.InfoContext(ctx, "depositor positions restored", slog.Int("count", len(balances)))
	return nil
}

// SnapshotPositions writes every in-memory depositor position through to the
// store. Called by the keeper on its sweep interval.
func (s *Settler) SnapshotPositions(ctx context.Context) (int, error) {
	if s.depositors == nil {
		return 0, nil
	}
	balances := s.ledger.DepositorBalances()
	written := 0
	for _, b := range balances {
		if err := s.depositors.Upsert(ctx, b); err != nil {
			s.logger.WarnContext(ctx, "position snapshot failed",
				slog.String("account", b.Account.Hex()),
				slog.Int("tranche", b.TrancheID),
				slog.String("error", err.Error()),
			)
			continue
		}
		written++
	}
	return written, nil
}

func (s *Settler) persistPositions(ctx context.Context, account common.Address) {
	if s.depositors == nil {
		return
	}
	for _, b := range s.ledger.GetDepositorBalance(account) {
		if err := s.depositors.Upsert(ctx, b); err != nil {
			s.logger.WarnContext(ctx, "position write-behind failed",
				slog.String("account", account.Hex()),
				slog.Int("tranche", b.TrancheID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Settler) refreshNAV(ctx context.Context, trancheID int) {
	if s.nav == nil {
		return
	}
	info, err := s.ledger.GetTrancheInfo(trancheID)
	if err != nil {
		return
	}
	if err := s.nav.Set(ctx, trancheID, info.NAVPerShare); err != nil {
		s.logger.WarnContext(ctx, "nav cache update failed",
			slog.Int("tranche", trancheID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Settler) refreshAllNAV(ctx context.Context) {
	if s.nav == nil {
		return
	}
	for _, info := range s.ledger.Tranches() {
		if err := s.nav.Set(ctx, info.ID, info.NAVPerShare); err != nil {
			s.logger.WarnContext(ctx, "nav cache update failed",
				slog.Int("tranche", info.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit publishes the event to live subscribers, appends it to the durable
// stream and audit-logs it. All three are best effort.
func (s *Settler) emit(ctx context.Context, event string, detail map[string]any) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, event, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus == nil {
		return
	}
	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := s.bus.Publish(ctx, "settlement", payload); err != nil {
		s.logger.WarnContext(ctx, "publish failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
	}
}
