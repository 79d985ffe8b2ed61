package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimStatus is the lifecycle state of a claim. Approved and Rejected are
// terminal; payout is a side effect of entering Approved, never its own state.
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusApproved ClaimStatus = "approved"
	ClaimStatusRejected ClaimStatus = "rejected"
)

// CoverageCategory distinguishes objectively verifiable loss events from
// categories that always require a human decision.
type CoverageCategory string

const (
	CategoryDepeg      CoverageCategory = "depeg"
	CategoryExploit    CoverageCategory = "exploit"
	CategoryBridgeHack CoverageCategory = "bridge_hack"
	CategoryCustodial  CoverageCategory = "custodial"
	CategoryGovernance CoverageCategory = "governance"
	CategorySubjective CoverageCategory = "subjective"
)

// Objective reports whether the category can be auto-approved against the
// verified event registry. Subjective categories always wait for an admin.
func (c CoverageCategory) Objective() bool {
	switch c {
	case CategoryDepeg, CategoryExploit, CategoryBridgeHack:
		return true
	}
	return false
}

// ValidCoverageCategory reports whether c is a known category.
func ValidCoverageCategory(c CoverageCategory) bool {
	switch c {
	case CategoryDepeg, CategoryExploit, CategoryBridgeHack,
		CategoryCustodial, CategoryGovernance, CategorySubjective:
		return true
	}
	return false
}

// Claim is a request to draw a covered loss from the tranche ledger.
type Claim struct {
	ID             string
	PolicyID       common.Hash
	Claimant       common.Address
	Category       CoverageCategory
	CoverageAmount int64
	EvidenceRef    common.Hash
	Status         ClaimStatus
	AutoApproved   bool
	FiledAt        time.Time
	ResolvedAt     *time.Time
}

// VerifiedEvent is one oracle-attested loss event hash. The registry is
// append-only; entries are never removed.
type VerifiedEvent struct {
	Hash    common.Hash
	AddedBy common.Address
	AddedAt time.Time
}
