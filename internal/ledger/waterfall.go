package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
)

// absorbLoss runs the loss waterfall: tranches are drained from most junior
// (highest id) to most senior until the loss is covered, then the proceeds
// are forwarded to the claimant. The operation is all-or-nothing — if pooled
// capital cannot cover the full amount, or the rolling circuit-breaker window
// would be exceeded, no balance changes.
func (l *Ledger) absorbLoss(ctx context.Context, caller common.Address, op AbsorbLossOp) (Receipt, error) {
	if l.reentrancy {
		return Receipt{}, fmt.Errorf("ledger: absorb loss: %w", domain.ErrReentrancy)
	}
	l.reentrancy = true
	defer func() { l.reentrancy = false }()

	if l.paused {
		return Receipt{}, fmt.Errorf("ledger: absorb loss: %w", domain.ErrPaused)
	}
	if caller != l.claimsProcessor && caller != l.admin {
		return Receipt{}, fmt.Errorf("ledger: absorb loss: %w", domain.ErrUnauthorized)
	}
	if op.Amount <= 0 {
		return Receipt{}, fmt.Errorf("ledger: loss amount %d: %w", op.Amount, domain.ErrInvalidAmount)
	}

	// Circuit breaker: lapse the window first, then test the would-be
	// accumulator without committing it.
	now := l.clock.Now()
	if l.breakerWindow > 0 && now.Sub(l.breakerWindowStart) > l.breakerWindow {
		l.breakerWindowStart = now
		l.breakerAccum = 0
	}
	if l.breakerThreshold > 0 && l.breakerAccum+op.Amount > l.breakerThreshold {
		return Receipt{}, fmt.Errorf("ledger: loss %d would exceed breaker threshold %d (window accum %d): %w",
			op.Amount, l.breakerThreshold, l.breakerAccum, domain.ErrCircuitBreakerTripped)
	}

	if l.totalCapitalLocked() < op.Amount {
		return Receipt{}, fmt.Errorf("ledger: loss %d exceeds pooled capital %d: %w",
			op.Amount, l.totalCapitalLocked(), domain.ErrInsufficientCapital)
	}

	remaining := op.Amount
	deductions := make([]TrancheDeduction, 0, len(l.tranches))
	for i := len(l.tranches) - 1; i >= 0 && remaining > 0; i-- {
		t := l.tranches[i]
		take := t.CapitalBalance
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		t.CapitalBalance -= take
		t.AccumulatedLosses += take
		remaining -= take
		deductions = append(deductions, TrancheDeduction{TrancheID: t.ID, Amount: take})
	}
	// The capital check above guarantees full coverage.
	if remaining != 0 {
		panic(fmt.Sprintf("ledger: waterfall left %d uncovered after capital check", remaining))
	}

	l.breakerAccum += op.Amount
	l.accumulatedLosses += op.Amount

	if err := l.transfer.Transfer(ctx, op.OpID, op.Claimant, op.Amount, "claim_payout"); err != nil {
		// Unwind so the failed forward leaves balances untouched.
		for _, d := range deductions {
			t := l.byID[d.TrancheID]
			t.CapitalBalance += d.Amount
			t.AccumulatedLosses -= d.Amount
		}
		l.breakerAccum -= op.Amount
		l.accumulatedLosses -= op.Amount
		return Receipt{}, fmt.Errorf("ledger: forward claim payout: %w", err)
	}

	l.logger.InfoContext(ctx, "loss absorbed",
		slog.String("claimant", op.Claimant.Hex()),
		slog.Int64("amount", op.Amount),
		slog.Int("tranches_hit", len(deductions)),
	)
	return Receipt{Proceeds: op.Amount, Deductions: deductions}, nil
}
