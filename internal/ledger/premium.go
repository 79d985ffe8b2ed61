package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
)

// distributePremiums splits a premium payment. The configured external slices
// (treasury, referral, oracle rewards, governance, reserve) are carved off
// first and forwarded; the remainder is credited across tranches by
// allocation weight without minting shares, which is what lifts NAV-per-share
// for existing holders. Integer rounding dust goes to the most senior tranche
// so no value is silently lost.
func (l *Ledger) distributePremiums(ctx context.Context, caller common.Address, op DistributePremiumsOp) (Receipt, error) {
	if l.reentrancy {
		return Receipt{}, fmt.Errorf("ledger: distribute premiums: %w", domain.ErrReentrancy)
	}
	l.reentrancy = true
	defer func() { l.reentrancy = false }()

	if l.paused {
		return Receipt{}, fmt.Errorf("ledger: distribute premiums: %w", domain.ErrPaused)
	}
	if caller != l.claimsProcessor && caller != l.admin {
		return Receipt{}, fmt.Errorf("ledger: distribute premiums: %w", domain.ErrUnauthorized)
	}
	if op.Amount <= 0 {
		return Receipt{}, fmt.Errorf("ledger: premium amount %d: %w", op.Amount, domain.ErrInvalidAmount)
	}
	if op.CoverageSold < 0 {
		return Receipt{}, fmt.Errorf("ledger: coverage sold %d: %w", op.CoverageSold, domain.ErrInvalidAmount)
	}

	forwards := make(map[string]int64, len(l.slices))
	var sliceTotal int64
	for _, s := range l.slices {
		cut := op.Amount * int64(s.Percent) / 100
		if cut == 0 {
			continue
		}
		if err := l.transfer.Transfer(ctx, op.OpID+":"+s.Name, s.Recipient, cut, "premium:"+s.Name); err != nil {
			return Receipt{}, fmt.Errorf("ledger: forward premium slice %q: %w", s.Name, err)
		}
		forwards[s.Name] = cut
		sliceTotal += cut
	}

	tranchePortion := op.Amount - sliceTotal
	var credited int64
	for _, t := range l.tranches {
		cut := tranchePortion * int64(t.AllocationPercent) / 100
		t.CapitalBalance += cut
		t.AccumulatedYield += cut
		credited += cut
	}
	if dust := tranchePortion - credited; dust > 0 {
		senior := l.tranches[0]
		senior.CapitalBalance += dust
		senior.AccumulatedYield += dust
	}

	l.accumulatedPremiums += op.Amount
	l.totalCoverageSold += op.CoverageSold

	l.logger.InfoContext(ctx, "premiums distributed",
		slog.String("policy", op.PolicyID.Hex()),
		slog.Int64("amount", op.Amount),
		slog.Int64("to_tranches", tranchePortion),
		slog.Int64("to_slices", sliceTotal),
		slog.Int64("coverage_sold", op.CoverageSold),
	)
	return Receipt{SliceForwards: forwards}, nil
}
