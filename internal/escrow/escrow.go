// Package escrow implements the conditional-payment state machine: oracle
// gated releases, multi-party splits, lazy timeout resolution, dispute
// freezes, and the 30-day emergency-withdraw escape hatch.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
)

// Transferer forwards escrowed value to an external account, asynchronously
// and at-least-once, keyed by opID.
type Transferer interface {
	Transfer(ctx context.Context, opID string, to common.Address, amount int64, memo string) error
}

// InitParams are the construction parameters for a new escrow. The payer's
// funds are attached out-of-band, so a successfully initialized escrow is
// immediately Active.
type InitParams struct {
	Payer               common.Address
	Payee               common.Address
	OracleAuthority     common.Address
	Amount              int64
	Timeout             time.Duration
	Policy              domain.TimeoutPolicy
	ConditionCommitment common.Hash
	AdditionalParties   []domain.Party
	LinkedPolicyID      *common.Hash
}

// Service owns the escrow state machine. Transitions are serialized under a
// single mutex; timeouts are evaluated lazily against the clock at call time,
// never by internal timers.
type Service struct {
	mu sync.Mutex

	store    domain.EscrowStore
	transfer Transferer
	bus      domain.SignalBus
	audit    domain.AuditStore
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewService creates an escrow Service.
func NewService(
	store domain.EscrowStore,
	transfer Transferer,
	bus domain.SignalBus,
	audit domain.AuditStore,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		transfer: transfer,
		bus:      bus,
		audit:    audit,
		clock:    clock,
		logger:   logger.With(slog.String("component", "escrow")),
	}
}

// Initialize validates params and creates an Active escrow.
func (s *Service) Initialize(ctx context.Context, p InitParams) (domain.Escrow, error) {
	if p.Amount <= 0 {
		return domain.Escrow{}, fmt.Errorf("escrow: amount %d: %w", p.Amount, domain.ErrInvalidAmount)
	}
	if p.ConditionCommitment == (common.Hash{}) {
		return domain.Escrow{}, fmt.Errorf("escrow: %w", domain.ErrInvalidCommitment)
	}
	if p.Timeout <= 0 {
		return domain.Escrow{}, fmt.Errorf("escrow: timeout %s: %w", p.Timeout, domain.ErrInvalidAmount)
	}
	if err := validateParties(p.AdditionalParties); err != nil {
		return domain.Escrow{}, err
	}
	switch p.Policy.Kind {
	case domain.TimeoutRefundPayer, domain.TimeoutReleasePayee:
	case domain.TimeoutSplit:
		if p.Policy.PercentToPayee < 0 || p.Policy.PercentToPayee > 100 {
			return domain.Escrow{}, fmt.Errorf("escrow: split percent %d: %w", p.Policy.PercentToPayee, domain.ErrInvalidParties)
		}
	default:
		return domain.Escrow{}, fmt.Errorf("escrow: timeout policy %q: %w", p.Policy.Kind, domain.ErrInvalidParties)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	e := domain.Escrow{
		ID:                  uuid.New().String(),
		Payer:               p.Payer,
		Payee:               p.Payee,
		OracleAuthority:     p.OracleAuthority,
		Amount:              p.Amount,
		Status:              domain.EscrowStatusActive,
		CreatedAt:           now,
		TimeoutAt:           now.Add(p.Timeout),
		Policy:              p.Policy,
		ConditionCommitment: p.ConditionCommitment,
		AdditionalParties:   p.AdditionalParties,
		LinkedPolicyID:      p.LinkedPolicyID,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: create: %w", err)
	}

	s.auditLog(ctx, "escrow_initialized", map[string]any{
		"escrow_id": e.ID,
		"payer":     e.Payer.Hex(),
		"payee":     e.Payee.Hex(),
		"amount":    e.Amount,
	})
	s.logger.InfoContext(ctx, "escrow initialized",
		slog.String("escrow_id", e.ID),
		slog.Int64("amount", e.Amount),
		slog.Time("timeout_at", e.TimeoutAt),
	)
	return e, nil
}

// Release settles an escrow to the payee (and any additional parties) once
// the oracle authority presents the matching condition commitment. Allowed
// from Active or, as the authority-driven dispute resolution path, Disputed.
func (s *Service) Release(ctx context.Context, caller common.Address, id string, commitment common.Hash) (domain.Escrow, error) {
	return s.release(ctx, caller, id, commitment, nil)
}

// MultiPartyRelease is Release with the recipient split supplied at release
// time instead of construction time.
func (s *Service) MultiPartyRelease(ctx context.Context, caller common.Address, id string, commitment common.Hash, parties []domain.Party) (domain.Escrow, error) {
	if err := validateParties(parties); err != nil {
		return domain.Escrow{}, err
	}
	return s.release(ctx, caller, id, commitment, parties)
}

func (s *Service) release(ctx context.Context, caller common.Address, id string, commitment common.Hash, overrideParties []domain.Party) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if caller != e.OracleAuthority {
		return domain.Escrow{}, fmt.Errorf("escrow: release %s: %w", id, domain.ErrUnauthorized)
	}
	if e.Status != domain.EscrowStatusActive && e.Status != domain.EscrowStatusDisputed {
		return domain.Escrow{}, fmt.Errorf("escrow: release %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
	}
	if commitment != e.ConditionCommitment {
		return domain.Escrow{}, fmt.Errorf("escrow: release %s: %w", id, domain.ErrConditionMismatch)
	}

	parties := e.AdditionalParties
	if overrideParties != nil {
		parties = overrideParties
	}
	if err := s.payout(ctx, e, parties); err != nil {
		return domain.Escrow{}, err
	}

	e.Status = domain.EscrowStatusReleased
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}

	s.auditLog(ctx, "escrow_released", map[string]any{"escrow_id": id, "amount": e.Amount})
	s.publish(ctx, map[string]any{"event": "escrow_released", "escrow_id": id, "amount": e.Amount})
	s.logger.InfoContext(ctx, "escrow released", slog.String("escrow_id", id))
	return e, nil
}

// payout pays each additional party its fixed percentage and the remainder to
// the payee.
func (s *Service) payout(ctx context.Context, e domain.Escrow, parties []domain.Party) error {
	remaining := e.Amount
	for i, party := range parties {
		cut := e.Amount * int64(party.Percent) / 100
		if cut == 0 {
			continue
		}
		opID := fmt.Sprintf("escrow:%s:party:%d", e.ID, i)
		if err := s.transfer.Transfer(ctx, opID, party.Account, cut, "escrow_release_party"); err != nil {
			return fmt.Errorf("escrow: forward to party %s: %w", party.Account.Hex(), err)
		}
		remaining -= cut
	}
	if remaining > 0 {
		if err := s.transfer.Transfer(ctx, "escrow:"+e.ID+":payee", e.Payee, remaining, "escrow_release"); err != nil {
			return fmt.Errorf("escrow: forward to payee: %w", err)
		}
	}
	return nil
}

// Cancel refunds the payer in full. Only the payer or payee may cancel, and
// only while Active.
func (s *Service) Cancel(ctx context.Context, caller common.Address, id string) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if caller != e.Payer && caller != e.Payee {
		return domain.Escrow{}, fmt.Errorf("escrow: cancel %s: %w", id, domain.ErrUnauthorized)
	}
	if e.Status != domain.EscrowStatusActive {
		return domain.Escrow{}, fmt.Errorf("escrow: cancel %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
	}

	if err := s.transfer.Transfer(ctx, "escrow:"+id+":cancel", e.Payer, e.Amount, "escrow_cancel_refund"); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: refund payer: %w", err)
	}

	e.Status = domain.EscrowStatusCancelled
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}

	s.auditLog(ctx, "escrow_cancelled", map[string]any{"escrow_id": id, "by": caller.Hex()})
	s.publish(ctx, map[string]any{"event": "escrow_cancelled", "escrow_id": id})
	return e, nil
}

// HandleTimeout applies the configured timeout policy. Callable by anyone —
// the keeper, the payer, a bot — but only effective once the deadline has
// passed and the escrow is still Active. The terminal status is always
// TimedOut; ResolvedPolicy records which outcome was applied.
func (s *Service) HandleTimeout(ctx context.Context, id string) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if e.Status != domain.EscrowStatusActive {
		return domain.Escrow{}, fmt.Errorf("escrow: timeout %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
	}
	if s.clock.Now().Before(e.TimeoutAt) {
		return domain.Escrow{}, fmt.Errorf("escrow: timeout %s not due until %s: %w", id, e.TimeoutAt.UTC().Format(time.RFC3339), domain.ErrNotTimedOut)
	}

	var toPayee int64
	switch e.Policy.Kind {
	case domain.TimeoutRefundPayer:
		toPayee = 0
	case domain.TimeoutReleasePayee:
		toPayee = e.Amount
	case domain.TimeoutSplit:
		toPayee = e.Amount * int64(e.Policy.PercentToPayee) / 100
	}
	toPayer := e.Amount - toPayee

	if toPayee > 0 {
		if err := s.transfer.Transfer(ctx, "escrow:"+id+":timeout:payee", e.Payee, toPayee, "escrow_timeout"); err != nil {
			return domain.Escrow{}, fmt.Errorf("escrow: timeout forward to payee: %w", err)
		}
	}
	if toPayer > 0 {
		if err := s.transfer.Transfer(ctx, "escrow:"+id+":timeout:payer", e.Payer, toPayer, "escrow_timeout_refund"); err != nil {
			return domain.Escrow{}, fmt.Errorf("escrow: timeout refund to payer: %w", err)
		}
	}

	kind := e.Policy.Kind
	e.Status = domain.EscrowStatusTimedOut
	e.ResolvedPolicy = &kind
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}

	s.auditLog(ctx, "escrow_timed_out", map[string]any{
		"escrow_id": id,
		"policy":    string(kind),
		"to_payee":  toPayee,
		"to_payer":  toPayer,
	})
	s.publish(ctx, map[string]any{"event": "escrow_timed_out", "escrow_id": id, "policy": string(kind)})
	s.logger.InfoContext(ctx, "escrow timed out",
		slog.String("escrow_id", id),
		slog.String("policy", string(kind)),
	)
	return e, nil
}

// Freeze halts automatic timeout resolution pending manual dispute handling.
// Oracle authority only, while Active.
func (s *Service) Freeze(ctx context.Context, caller common.Address, id string) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if caller != e.OracleAuthority {
		return domain.Escrow{}, fmt.Errorf("escrow: freeze %s: %w", id, domain.ErrUnauthorized)
	}
	if e.Status != domain.EscrowStatusActive {
		return domain.Escrow{}, fmt.Errorf("escrow: freeze %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
	}

	now := s.clock.Now().UTC()
	e.Status = domain.EscrowStatusDisputed
	e.DisputeFrozenAt = &now
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}

	s.auditLog(ctx, "escrow_frozen", map[string]any{"escrow_id": id})
	s.publish(ctx, map[string]any{"event": "escrow_frozen", "escrow_id": id})
	return e, nil
}

// EmergencyWithdraw is the deadlock breaker: once an escrow has sat Disputed
// for the full deadlock period with no authority action, the payer may
// reclaim the funds. Terminal as Cancelled.
func (s *Service) EmergencyWithdraw(ctx context.Context, caller common.Address, id string) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if caller != e.Payer {
		return domain.Escrow{}, fmt.Errorf("escrow: emergency withdraw %s: %w", id, domain.ErrUnauthorized)
	}
	if e.Status != domain.EscrowStatusDisputed {
		if e.Status.Terminal() {
			return domain.Escrow{}, fmt.Errorf("escrow: emergency withdraw %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
		}
		return domain.Escrow{}, fmt.Errorf("escrow: emergency withdraw %s in %s: %w", id, e.Status, domain.ErrNotDisputed)
	}
	deadline := e.DisputeFrozenAt.Add(domain.DisputeDeadlock)
	if s.clock.Now().Before(deadline) {
		return domain.Escrow{}, fmt.Errorf("escrow: emergency withdraw %s locked until %s: %w", id, deadline.UTC().Format(time.RFC3339), domain.ErrDisputeWindowOpen)
	}

	if err := s.transfer.Transfer(ctx, "escrow:"+id+":emergency", e.Payer, e.Amount, "escrow_emergency_refund"); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: emergency refund: %w", err)
	}

	e.Status = domain.EscrowStatusCancelled
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}

	s.auditLog(ctx, "escrow_emergency_withdrawn", map[string]any{"escrow_id": id})
	s.publish(ctx, map[string]any{"event": "escrow_emergency_withdrawn", "escrow_id": id})
	return e, nil
}

// UpdateOracleAuthority rotates the authority. Current authority only, and
// only while the escrow is not terminal.
func (s *Service) UpdateOracleAuthority(ctx context.Context, caller common.Address, id string, authority common.Address) (domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getForTransition(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if caller != e.OracleAuthority {
		return domain.Escrow{}, fmt.Errorf("escrow: update authority %s: %w", id, domain.ErrUnauthorized)
	}
	if e.Status.Terminal() {
		return domain.Escrow{}, fmt.Errorf("escrow: update authority %s in %s: %w", id, e.Status, domain.ErrAlreadyFinalized)
	}

	e.OracleAuthority = authority
	if err := s.store.Update(ctx, e); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: update %s: %w", id, err)
	}
	s.auditLog(ctx, "escrow_authority_updated", map[string]any{"escrow_id": id, "authority": authority.Hex()})
	return e, nil
}

// Get returns the full escrow record.
func (s *Service) Get(ctx context.Context, id string) (domain.Escrow, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return e, nil
}

// TimeRemaining returns how long until the escrow times out; zero once the
// deadline has passed.
func (s *Service) TimeRemaining(ctx context.Context, id string) (time.Duration, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("escrow: time remaining %s: %w", id, err)
	}
	remaining := e.TimeoutAt.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// IsTimedOut reports whether the timeout deadline has passed for a still
// Active escrow.
func (s *Service) IsTimedOut(ctx context.Context, id string) (bool, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("escrow: is timed out %s: %w", id, err)
	}
	return e.Status == domain.EscrowStatusActive && !s.clock.Now().Before(e.TimeoutAt), nil
}

// SweepExpired resolves every Active escrow whose deadline has passed. Used
// by the keeper; frozen (Disputed) escrows are untouched.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListActiveExpired(ctx, s.clock.Now(), domain.ListOpts{Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("escrow: list expired: %w", err)
	}
	resolved := 0
	for _, e := range expired {
		if _, err := s.HandleTimeout(ctx, e.ID); err != nil {
			s.logger.WarnContext(ctx, "timeout sweep failed",
				slog.String("escrow_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) getForTransition(ctx context.Context, id string) (domain.Escrow, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return e, nil
}

func validateParties(parties []domain.Party) error {
	sum := 0
	for _, p := range parties {
		if p.Percent <= 0 || p.Percent > 100 {
			return fmt.Errorf("escrow: party %s percent %d: %w", p.Account.Hex(), p.Percent, domain.ErrInvalidParties)
		}
		sum += p.Percent
	}
	if sum > 100 {
		return fmt.Errorf("escrow: party percentages sum to %d: %w", sum, domain.ErrInvalidParties)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, "escrows", data); err != nil {
		s.logger.WarnContext(ctx, "publish failed", slog.String("error", err.Error()))
	}
}

func (s *Service) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
