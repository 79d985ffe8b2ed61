package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ClaimStore persists claims.
type ClaimStore interface {
	Create(ctx context.Context, c Claim) error
	// Resolve transitions a pending claim to a terminal status. It returns
	// ErrAlreadyResolved when the claim is no longer pending, making the
	// transition safe under duplicate delivery.
	Resolve(ctx context.Context, id string, status ClaimStatus, autoApproved bool, at time.Time) error
	GetByID(ctx context.Context, id string) (Claim, error)
	ListByStatus(ctx context.Context, status ClaimStatus, opts ListOpts) ([]Claim, error)
	ListByPolicy(ctx context.Context, policyID common.Hash) ([]Claim, error)
}

// VerifiedEventStore persists the append-only oracle event registry.
type VerifiedEventStore interface {
	Add(ctx context.Context, ev VerifiedEvent) error
	Contains(ctx context.Context, hash common.Hash) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// EscrowStore persists escrows.
type EscrowStore interface {
	Create(ctx context.Context, e Escrow) error
	Update(ctx context.Context, e Escrow) error
	GetByID(ctx context.Context, id string) (Escrow, error)
	// ListActiveExpired returns Active escrows whose timeout has elapsed as of
	// now, for the keeper sweep.
	ListActiveExpired(ctx context.Context, now time.Time, opts ListOpts) ([]Escrow, error)
}

// PolicyStore persists policy records for one or more shards.
type PolicyStore interface {
	Create(ctx context.Context, shardID int, p PolicyRecord) error
	GetByID(ctx context.Context, shardID int, policyID common.Hash) (PolicyRecord, error)
	MarkClaimed(ctx context.Context, shardID int, policyID common.Hash) error
	Deactivate(ctx context.Context, shardID int, policyID common.Hash) error
	ListByOwner(ctx context.Context, shardID int, owner common.Address) ([]PolicyRecord, error)
	// ListActiveExpired returns active policies past EndTime for the expiry sweep.
	ListActiveExpired(ctx context.Context, shardID int, now time.Time, opts ListOpts) ([]PolicyRecord, error)
	Count(ctx context.Context, shardID int) (int64, error)
}

// DepositorStore is the write-behind persistence for ledger depositor balances.
type DepositorStore interface {
	Upsert(ctx context.Context, b DepositorBalance) error
	Get(ctx context.Context, account common.Address, trancheID int) (DepositorBalance, error)
	ListByAccount(ctx context.Context, account common.Address) ([]DepositorBalance, error)
	ListAll(ctx context.Context) ([]DepositorBalance, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
