package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PolicyRecord is one coverage policy, owned by exactly one shard for its
// entire lifetime.
type PolicyRecord struct {
	PolicyID       common.Hash
	Owner          common.Address
	Category       CoverageCategory
	CoverageAmount int64
	Premium        int64
	StartTime      time.Time
	EndTime        time.Time
	Active         bool
	Claimed        bool
}

// PolicyStatus is the compact status tuple returned by shard queries.
type PolicyStatus struct {
	PolicyID common.Hash `json:"policy_id"`
	Active   bool        `json:"active"`
	Claimed  bool        `json:"claimed"`
	Expired  bool        `json:"expired"`
}
