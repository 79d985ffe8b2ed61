package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CurveShape selects how a tranche's quoted APY moves between APYMinBps and
// APYMaxBps as pool utilization changes.
type CurveShape string

const (
	CurveFlat        CurveShape = "flat"
	CurveLinear      CurveShape = "linear"
	CurveLogarithmic CurveShape = "logarithmic"
	CurveSigmoidal   CurveShape = "sigmoidal"
	CurveQuadratic   CurveShape = "quadratic"
	CurveExponential CurveShape = "exponential"
)

// ValidCurveShape reports whether s is one of the supported curve shapes.
func ValidCurveShape(s CurveShape) bool {
	switch s {
	case CurveFlat, CurveLinear, CurveLogarithmic, CurveSigmoidal, CurveQuadratic, CurveExponential:
		return true
	}
	return false
}

// Tranche is one ranked pool of risk capital. ID 1 is the most senior; higher
// IDs absorb losses first.
type Tranche struct {
	ID                int
	CapitalBalance    int64 // base units, never negative
	ShareSupply       int64
	APYMinBps         int
	APYMaxBps         int
	Curve             CurveShape
	AllocationPercent int // premium share, all tranches sum to 100
	AccumulatedYield  int64
	AccumulatedLosses int64
	// Token is the externally deployed share token bound to this tranche,
	// zero until the admin binds one.
	Token common.Address
}

// NAVPerShare returns the net asset value per share scaled by NAVScale.
// An empty tranche prices at par.
func (t Tranche) NAVPerShare() int64 {
	if t.ShareSupply == 0 {
		return NAVScale
	}
	return t.CapitalBalance * NAVScale / t.ShareSupply
}

// NAVScale is the fixed-point scale for NAV-per-share arithmetic. A share in an
// empty tranche costs exactly NAVScale base units per NAVScale shares (par).
const NAVScale int64 = 1_000_000

// DepositorBalance is one account's stake in one tranche.
type DepositorBalance struct {
	Account      common.Address
	TrancheID    int
	ShareBalance int64
	LockUntil    time.Time
	StakeStart   time.Time
}

// TrancheInfo is the read-only view returned by ledger queries.
type TrancheInfo struct {
	ID                int        `json:"id"`
	CapitalBalance    int64      `json:"capital_balance"`
	ShareSupply       int64      `json:"share_supply"`
	NAVPerShare       int64      `json:"nav_per_share"`
	APYBps            int        `json:"apy_bps"`
	APYMinBps         int        `json:"apy_min_bps"`
	APYMaxBps         int        `json:"apy_max_bps"`
	Curve             CurveShape `json:"curve"`
	AllocationPercent int        `json:"allocation_percent"`
	AccumulatedYield  int64      `json:"accumulated_yield"`
	AccumulatedLosses int64      `json:"accumulated_losses"`
}

// CircuitBreakerStatus is the read-only view of the rolling loss window.
type CircuitBreakerStatus struct {
	WindowStart     time.Time     `json:"window_start"`
	WindowDuration  time.Duration `json:"window_duration"`
	LossAccumulator int64         `json:"loss_accumulator"`
	Threshold       int64         `json:"threshold"`
	Tripped         bool          `json:"tripped"`
}

// PremiumSlice is a fixed-percentage non-tranche recipient of premium flow
// (protocol treasury, referral, oracle rewards, governance, reserve).
type PremiumSlice struct {
	Name      string
	Recipient common.Address
	Percent   int
}
