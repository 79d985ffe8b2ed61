package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// Op is the closed set of mutating ledger operations. Every externally
// triggered mutation is expressed as one of these variants and dispatched
// through Ledger.Apply with an exhaustive type switch, so adding an operation
// is a compile-time-checked exercise rather than an open numeric protocol.
//
// OpID is the caller-supplied idempotency key: duplicate delivery of the same
// id executes the effect at most once.
type Op interface {
	OperationID() string
	isOp()
}

// DepositOp mints tranche shares for an account at the current NAV.
type DepositOp struct {
	OpID      string
	Account   common.Address
	TrancheID int
	Amount    int64
}

// WithdrawOp burns shares and pays out pro-rata capital at the current NAV.
type WithdrawOp struct {
	OpID        string
	Account     common.Address
	TrancheID   int
	ShareAmount int64
}

// DistributePremiumsOp splits a premium payment across tranches and the
// configured external slices.
type DistributePremiumsOp struct {
	OpID         string
	Amount       int64
	CoverageSold int64
	PolicyID     common.Hash
}

// AbsorbLossOp runs the junior-to-senior loss waterfall and forwards the
// proceeds to the claimant.
type AbsorbLossOp struct {
	OpID     string
	Amount   int64
	Claimant common.Address
}

// PauseOp halts all mutating ledger operations until UnpauseOp.
type PauseOp struct{ OpID string }

// UnpauseOp resumes a paused ledger.
type UnpauseOp struct{ OpID string }

// SetAdminOp rotates the ledger admin.
type SetAdminOp struct {
	OpID  string
	Admin common.Address
}

// SetClaimsProcessorOp rotates the account allowed to trigger loss absorption.
type SetClaimsProcessorOp struct {
	OpID      string
	Processor common.Address
}

// SetTrancheWeightsOp reconfigures premium allocation weights. Weights must
// cover every tranche and sum to exactly 100.
type SetTrancheWeightsOp struct {
	OpID    string
	Weights map[int]int
}

// SetTrancheTokenOp binds an external share token address to a tranche.
type SetTrancheTokenOp struct {
	OpID      string
	TrancheID int
	Token     common.Address
}

func (o DepositOp) OperationID() string            { return o.OpID }
func (o WithdrawOp) OperationID() string           { return o.OpID }
func (o DistributePremiumsOp) OperationID() string { return o.OpID }
func (o AbsorbLossOp) OperationID() string         { return o.OpID }
func (o PauseOp) OperationID() string              { return o.OpID }
func (o UnpauseOp) OperationID() string            { return o.OpID }
func (o SetAdminOp) OperationID() string           { return o.OpID }
func (o SetClaimsProcessorOp) OperationID() string { return o.OpID }
func (o SetTrancheWeightsOp) OperationID() string  { return o.OpID }
func (o SetTrancheTokenOp) OperationID() string    { return o.OpID }

func (DepositOp) isOp()            {}
func (WithdrawOp) isOp()           {}
func (DistributePremiumsOp) isOp() {}
func (AbsorbLossOp) isOp()         {}
func (PauseOp) isOp()              {}
func (UnpauseOp) isOp()            {}
func (SetAdminOp) isOp()           {}
func (SetClaimsProcessorOp) isOp() {}
func (SetTrancheWeightsOp) isOp()  {}
func (SetTrancheTokenOp) isOp()    {}

// TrancheDeduction records how much of a loss one tranche absorbed.
type TrancheDeduction struct {
	TrancheID int   `json:"tranche_id"`
	Amount    int64 `json:"amount"`
}

// Receipt is the result of a successfully applied operation. Fields are
// populated depending on the variant: SharesMinted for deposits, Proceeds for
// withdrawals and loss payouts, Deductions for the waterfall, SliceForwards
// for premium distribution.
type Receipt struct {
	Seq           uint64
	SharesMinted  int64
	Proceeds      int64
	Deductions    []TrancheDeduction
	SliceForwards map[string]int64
}
