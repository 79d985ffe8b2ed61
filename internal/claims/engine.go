// Package claims implements the claims settlement engine: claim intake,
// auto-approval of objectively verifiable categories against the verified
// event registry, and privileged manual resolution.
package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
)

// LossAbsorber draws an approved loss out of the tranche ledger and forwards
// the proceeds to the claimant. opID keys the call for receiver-side dedup;
// the absorber must be safe under at-least-once delivery.
type LossAbsorber interface {
	AbsorbClaim(ctx context.Context, opID string, amount int64, claimant common.Address) error
}

// Engine is the claims settlement engine. Claim transitions are one-way:
// Pending to Approved or Rejected, with payout a side effect of approval —
// an approval only commits after the ledger has absorbed the loss.
type Engine struct {
	mu sync.Mutex // one claim transition at a time

	store    domain.ClaimStore
	registry *Registry
	absorber LossAbsorber
	bus      domain.SignalBus
	audit    domain.AuditStore
	clock    clockwork.Clock
	logger   *slog.Logger

	admin common.Address
}

// NewEngine creates a claims Engine.
func NewEngine(
	store domain.ClaimStore,
	registry *Registry,
	absorber LossAbsorber,
	bus domain.SignalBus,
	audit domain.AuditStore,
	admin common.Address,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		absorber: absorber,
		bus:      bus,
		audit:    audit,
		clock:    clock,
		logger:   logger.With(slog.String("component", "claims")),
		admin:    admin,
	}
}

// FileClaim records a new claim. Objectively verifiable categories whose
// evidence hash is already attested in the registry are settled immediately;
// everything else stays Pending for an admin decision. The returned claim
// reflects the post-filing status — callers observe acceptance, not payout
// delivery.
func (e *Engine) FileClaim(
	ctx context.Context,
	claimant common.Address,
	policyID common.Hash,
	category domain.CoverageCategory,
	coverageAmount int64,
	evidenceRef common.Hash,
) (domain.Claim, error) {
	if !domain.ValidCoverageCategory(category) {
		return domain.Claim{}, fmt.Errorf("claims: category %q: %w", category, domain.ErrInvalidCategory)
	}
	if coverageAmount <= 0 {
		return domain.Claim{}, fmt.Errorf("claims: coverage amount %d: %w", coverageAmount, domain.ErrInvalidAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	claim := domain.Claim{
		ID:             uuid.New().String(),
		PolicyID:       policyID,
		Claimant:       claimant,
		Category:       category,
		CoverageAmount: coverageAmount,
		EvidenceRef:    evidenceRef,
		Status:         domain.ClaimStatusPending,
		FiledAt:        e.clock.Now().UTC(),
	}
	if err := e.store.Create(ctx, claim); err != nil {
		return domain.Claim{}, fmt.Errorf("claims: create claim: %w", err)
	}

	e.auditLog(ctx, "claim_filed", map[string]any{
		"claim_id": claim.ID,
		"policy":   claim.PolicyID.Hex(),
		"category": string(claim.Category),
		"amount":   claim.CoverageAmount,
	})

	if category.Objective() {
		verified, err := e.registry.Contains(ctx, evidenceRef)
		if err != nil {
			// Registry lookup failure is not fatal to filing; the claim just
			// waits for an admin.
			e.logger.WarnContext(ctx, "registry lookup failed, claim stays pending",
				slog.String("claim_id", claim.ID),
				slog.String("error", err.Error()),
			)
			return claim, nil
		}
		if verified {
			if err := e.settle(ctx, &claim, true); err != nil {
				// Payout failed; approval was not committed. The claim is
				// still Pending and retryable via admin approval.
				e.logger.WarnContext(ctx, "auto-approval payout failed, claim stays pending",
					slog.String("claim_id", claim.ID),
					slog.String("error", err.Error()),
				)
				return claim, nil
			}
		}
	}

	return claim, nil
}

// AdminApprove resolves a pending claim with payout. It runs the same
// absorb-and-pay sequence as auto-approval; the only difference is the
// autoApproved flag.
func (e *Engine) AdminApprove(ctx context.Context, caller common.Address, claimID string) (domain.Claim, error) {
	if caller != e.admin {
		return domain.Claim{}, fmt.Errorf("claims: approve: %w", domain.ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	claim, err := e.store.GetByID(ctx, claimID)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("claims: approve %s: %w", claimID, err)
	}
	if claim.Status != domain.ClaimStatusPending {
		return domain.Claim{}, fmt.Errorf("claims: approve %s: %w", claimID, domain.ErrAlreadyResolved)
	}

	if err := e.settle(ctx, &claim, false); err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}

// AdminReject terminally rejects a pending claim with no payout.
func (e *Engine) AdminReject(ctx context.Context, caller common.Address, claimID string) (domain.Claim, error) {
	if caller != e.admin {
		return domain.Claim{}, fmt.Errorf("claims: reject: %w", domain.ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	claim, err := e.store.GetByID(ctx, claimID)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("claims: reject %s: %w", claimID, err)
	}
	if claim.Status != domain.ClaimStatusPending {
		return domain.Claim{}, fmt.Errorf("claims: reject %s: %w", claimID, domain.ErrAlreadyResolved)
	}

	now := e.clock.Now().UTC()
	if err := e.store.Resolve(ctx, claimID, domain.ClaimStatusRejected, false, now); err != nil {
		return domain.Claim{}, fmt.Errorf("claims: reject %s: %w", claimID, err)
	}
	claim.Status = domain.ClaimStatusRejected
	claim.ResolvedAt = &now

	e.auditLog(ctx, "claim_rejected", map[string]any{"claim_id": claimID, "by": caller.Hex()})
	e.publish(ctx, map[string]any{"event": "claim_rejected", "claim_id": claimID})

	e.logger.InfoContext(ctx, "claim rejected", slog.String("claim_id", claimID))
	return claim, nil
}

// AddVerifiedEvent appends an oracle-attested event hash to the registry.
// Privileged and idempotent.
func (e *Engine) AddVerifiedEvent(ctx context.Context, caller common.Address, hash common.Hash) error {
	if caller != e.admin {
		return fmt.Errorf("claims: add verified event: %w", domain.ErrUnauthorized)
	}
	ev := domain.VerifiedEvent{
		Hash:    hash,
		AddedBy: caller,
		AddedAt: e.clock.Now().UTC(),
	}
	if err := e.registry.Add(ctx, ev); err != nil {
		return err
	}
	e.auditLog(ctx, "verified_event_added", map[string]any{"hash": hash.Hex()})
	return nil
}

// GetClaim returns the current state of a claim.
func (e *Engine) GetClaim(ctx context.Context, claimID string) (domain.Claim, error) {
	c, err := e.store.GetByID(ctx, claimID)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("claims: get %s: %w", claimID, err)
	}
	return c, nil
}

// ListByStatus returns claims filtered by status.
func (e *Engine) ListByStatus(ctx context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error) {
	cs, err := e.store.ListByStatus(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("claims: list %s: %w", status, err)
	}
	return cs, nil
}

// settle absorbs the loss and, only on success, commits the approval. The
// absorb call is keyed by the claim id so a redelivered settlement attempt
// cannot double-draw the ledger.
func (e *Engine) settle(ctx context.Context, claim *domain.Claim, auto bool) error {
	opID := "claim:" + claim.ID
	if err := e.absorber.AbsorbClaim(ctx, opID, claim.CoverageAmount, claim.Claimant); err != nil {
		e.auditLog(ctx, "claim_payout_failed", map[string]any{
			"claim_id": claim.ID,
			"amount":   claim.CoverageAmount,
			"error":    err.Error(),
			"kind":     string(domain.Kind(err)),
		})
		return fmt.Errorf("claims: settle %s: %w", claim.ID, err)
	}

	now := e.clock.Now().UTC()
	if err := e.store.Resolve(ctx, claim.ID, domain.ClaimStatusApproved, auto, now); err != nil {
		return fmt.Errorf("claims: commit approval %s: %w", claim.ID, err)
	}
	claim.Status = domain.ClaimStatusApproved
	claim.AutoApproved = auto
	claim.ResolvedAt = &now

	e.auditLog(ctx, "claim_approved", map[string]any{
		"claim_id": claim.ID,
		"amount":   claim.CoverageAmount,
		"auto":     auto,
	})
	e.publish(ctx, map[string]any{
		"event":    "claim_approved",
		"claim_id": claim.ID,
		"claimant": claim.Claimant.Hex(),
		"amount":   claim.CoverageAmount,
		"auto":     auto,
	})

	e.logger.InfoContext(ctx, "claim approved",
		slog.String("claim_id", claim.ID),
		slog.Int64("amount", claim.CoverageAmount),
		slog.Bool("auto", auto),
	)
	return nil
}

func (e *Engine) publish(ctx context.Context, payload map[string]any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := e.bus.Publish(ctx, "claims", data); err != nil {
		e.logger.WarnContext(ctx, "publish failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
