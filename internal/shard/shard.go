package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
)

// PolicyShard stores the policies routed to one shard index. Every mutation
// and lookup re-checks ownership against the routing function, so a caller
// that bypasses the router cannot write a policy into the wrong shard.
type PolicyShard struct {
	mu sync.Mutex

	id     int
	total  int // routing modulus at registration time
	store  domain.PolicyStore
	clock  clockwork.Clock
	logger *slog.Logger

	admin common.Address
}

// NewPolicyShard creates shard id out of total shards over the given store.
func NewPolicyShard(
	id, total int,
	store domain.PolicyStore,
	clock clockwork.Clock,
	admin common.Address,
	logger *slog.Logger,
) *PolicyShard {
	return &PolicyShard{
		id:     id,
		total:  total,
		store:  store,
		clock:  clock,
		admin:  admin,
		logger: logger.With(slog.String("component", "shard"), slog.Int("shard_id", id)),
	}
}

// ID returns the shard index.
func (s *PolicyShard) ID() int { return s.id }

// Owns reports whether policyID routes to this shard.
func (s *PolicyShard) Owns(policyID common.Hash) bool {
	return shardIndex(policyID, s.total) == s.id
}

// CreatePolicy records a new policy on this shard.
func (s *PolicyShard) CreatePolicy(ctx context.Context, p domain.PolicyRecord) error {
	if err := s.checkOwnership(p.PolicyID); err != nil {
		return err
	}
	if p.CoverageAmount <= 0 || p.Premium < 0 {
		return fmt.Errorf("shard %d: policy %s: %w", s.id, p.PolicyID.Hex(), domain.ErrInvalidAmount)
	}
	if !domain.ValidCoverageCategory(p.Category) {
		return fmt.Errorf("shard %d: policy %s category %q: %w", s.id, p.PolicyID.Hex(), p.Category, domain.ErrInvalidCategory)
	}
	if !p.EndTime.After(p.StartTime) {
		return fmt.Errorf("shard %d: policy %s window: %w", s.id, p.PolicyID.Hex(), domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.Active = true
	p.Claimed = false
	if err := s.store.Create(ctx, s.id, p); err != nil {
		return fmt.Errorf("shard %d: create policy: %w", s.id, err)
	}
	s.logger.InfoContext(ctx, "policy created",
		slog.String("policy_id", p.PolicyID.Hex()),
		slog.Int64("coverage", p.CoverageAmount),
	)
	return nil
}

// MarkClaimed flags a policy as claimed. Admin only; one-way.
func (s *PolicyShard) MarkClaimed(ctx context.Context, caller common.Address, policyID common.Hash) error {
	if caller != s.admin {
		return fmt.Errorf("shard %d: mark claimed: %w", s.id, domain.ErrUnauthorized)
	}
	if err := s.checkOwnership(policyID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.MarkClaimed(ctx, s.id, policyID); err != nil {
		return fmt.Errorf("shard %d: mark claimed %s: %w", s.id, policyID.Hex(), err)
	}
	return nil
}

// DeactivatePolicy retires a policy, ending its coverage. Admin only.
func (s *PolicyShard) DeactivatePolicy(ctx context.Context, caller common.Address, policyID common.Hash) error {
	if caller != s.admin {
		return fmt.Errorf("shard %d: deactivate: %w", s.id, domain.ErrUnauthorized)
	}
	if err := s.checkOwnership(policyID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Deactivate(ctx, s.id, policyID); err != nil {
		return fmt.Errorf("shard %d: deactivate %s: %w", s.id, policyID.Hex(), err)
	}
	return nil
}

// GetPolicyData returns the full policy record.
func (s *PolicyShard) GetPolicyData(ctx context.Context, policyID common.Hash) (domain.PolicyRecord, error) {
	if err := s.checkOwnership(policyID); err != nil {
		return domain.PolicyRecord{}, err
	}
	p, err := s.store.GetByID(ctx, s.id, policyID)
	if err != nil {
		return domain.PolicyRecord{}, fmt.Errorf("shard %d: get policy %s: %w", s.id, policyID.Hex(), err)
	}
	return p, nil
}

// GetPolicyStatus returns the compact status tuple, with expiry evaluated
// against the clock at call time.
func (s *PolicyShard) GetPolicyStatus(ctx context.Context, policyID common.Hash) (domain.PolicyStatus, error) {
	p, err := s.GetPolicyData(ctx, policyID)
	if err != nil {
		return domain.PolicyStatus{}, err
	}
	return domain.PolicyStatus{
		PolicyID: p.PolicyID,
		Active:   p.Active,
		Claimed:  p.Claimed,
		Expired:  s.clock.Now().After(p.EndTime),
	}, nil
}

// GetUserPolicies lists this shard's policies owned by account.
func (s *PolicyShard) GetUserPolicies(ctx context.Context, account common.Address) ([]domain.PolicyRecord, error) {
	ps, err := s.store.ListByOwner(ctx, s.id, account)
	if err != nil {
		return nil, fmt.Errorf("shard %d: list by owner: %w", s.id, err)
	}
	return ps, nil
}

// PolicyCount returns how many policies live on this shard.
func (s *PolicyShard) PolicyCount(ctx context.Context) (int64, error) {
	n, err := s.store.Count(ctx, s.id)
	if err != nil {
		return 0, fmt.Errorf("shard %d: count: %w", s.id, err)
	}
	return n, nil
}

// SweepExpired deactivates active policies past their end time. Used by the
// keeper; returns how many were retired.
func (s *PolicyShard) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListActiveExpired(ctx, s.id, s.clock.Now(), domain.ListOpts{Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("shard %d: list expired: %w", s.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	retired := 0
	for _, p := range expired {
		if err := s.store.Deactivate(ctx, s.id, p.PolicyID); err != nil {
			s.logger.WarnContext(ctx, "expiry sweep failed",
				slog.String("policy_id", p.PolicyID.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		retired++
	}
	return retired, nil
}

func (s *PolicyShard) checkOwnership(policyID common.Hash) error {
	if !s.Owns(policyID) {
		return fmt.Errorf("shard %d: policy %s routes to shard %d: %w",
			s.id, policyID.Hex(), shardIndex(policyID, s.total), domain.ErrWrongShard)
	}
	return nil
}
