package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowStatus is the lifecycle state of a conditional payment. Released,
// Cancelled and TimedOut are terminal. Disputed is recoverable only through an
// authority release or an emergency withdraw after the deadlock period.
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusActive    EscrowStatus = "active"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusCancelled EscrowStatus = "cancelled"
	EscrowStatusDisputed  EscrowStatus = "disputed"
	EscrowStatusTimedOut  EscrowStatus = "timed_out"
)

// Terminal reports whether no further transition is allowed from s.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowStatusReleased, EscrowStatusCancelled, EscrowStatusTimedOut:
		return true
	}
	return false
}

// TimeoutPolicyKind selects what happens to escrowed funds when the timeout
// elapses without a release.
type TimeoutPolicyKind string

const (
	TimeoutRefundPayer  TimeoutPolicyKind = "refund_payer"
	TimeoutReleasePayee TimeoutPolicyKind = "release_payee"
	TimeoutSplit        TimeoutPolicyKind = "split"
)

// TimeoutPolicy is the configured timeout outcome. PercentToPayee is only
// meaningful for TimeoutSplit.
type TimeoutPolicy struct {
	Kind           TimeoutPolicyKind `json:"kind"`
	PercentToPayee int               `json:"percent_to_payee"`
}

// Party is an additional fixed-percentage recipient of a release.
type Party struct {
	Account common.Address `json:"account"`
	Percent int            `json:"percent"`
}

// DisputeDeadlock is how long an escrow must sit in Disputed before the payer
// may emergency-withdraw without the oracle authority.
const DisputeDeadlock = 30 * 24 * time.Hour

// Escrow is an oracle-gated conditional multi-party payment.
type Escrow struct {
	ID                  string
	Payer               common.Address
	Payee               common.Address
	OracleAuthority     common.Address
	Amount              int64
	Status              EscrowStatus
	CreatedAt           time.Time
	TimeoutAt           time.Time
	Policy              TimeoutPolicy
	ConditionCommitment common.Hash
	AdditionalParties   []Party
	LinkedPolicyID      *common.Hash
	DisputeFrozenAt     *time.Time
	// ResolvedPolicy records which timeout outcome was applied when Status is
	// TimedOut, since the terminal label alone does not distinguish refund
	// from release.
	ResolvedPolicy *TimeoutPolicyKind
}
