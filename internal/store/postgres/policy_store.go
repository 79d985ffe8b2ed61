package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverpool/coverd/internal/domain"
)

// PolicyStore implements domain.PolicyStore using PostgreSQL. All rows share
// one table keyed by (shard_id, policy_id); a shard only ever touches its own
// partition of the key space.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a new PolicyStore backed by the given connection pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// Create inserts a new policy row for the given shard.
func (s *PolicyStore) Create(ctx context.Context, shardID int, p domain.PolicyRecord) error {
	const query = `
		INSERT INTO policies (
			shard_id, policy_id, owner, category, coverage_amount,
			premium, start_time, end_time, active, claimed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (shard_id, policy_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		shardID, p.PolicyID.Hex(), p.Owner.Hex(), string(p.Category),
		p.CoverageAmount, p.Premium, p.StartTime, p.EndTime,
		p.Active, p.Claimed,
	)
	if err != nil {
		return fmt.Errorf("postgres: create policy %s: %w", p.PolicyID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create policy %s: %w", p.PolicyID.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

const policySelectCols = `policy_id, owner, category, coverage_amount,
	premium, start_time, end_time, active, claimed`

func scanPolicy(scanner interface{ Scan(dest ...any) error }) (domain.PolicyRecord, error) {
	var p domain.PolicyRecord
	var policyID, owner, category string

	err := scanner.Scan(
		&policyID, &owner, &category, &p.CoverageAmount,
		&p.Premium, &p.StartTime, &p.EndTime, &p.Active, &p.Claimed,
	)
	if err != nil {
		return domain.PolicyRecord{}, err
	}

	p.PolicyID = common.HexToHash(policyID)
	p.Owner = common.HexToAddress(owner)
	p.Category = domain.CoverageCategory(category)
	return p, nil
}

// GetByID returns one policy.
func (s *PolicyStore) GetByID(ctx context.Context, shardID int, policyID common.Hash) (domain.PolicyRecord, error) {
	query := `SELECT ` + policySelectCols + ` FROM policies WHERE shard_id = $1 AND policy_id = $2`
	p, err := scanPolicy(s.pool.QueryRow(ctx, query, shardID, policyID.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PolicyRecord{}, fmt.Errorf("postgres: policy %s: %w", policyID.Hex(), domain.ErrNotFound)
		}
		return domain.PolicyRecord{}, fmt.Errorf("postgres: get policy %s: %w", policyID.Hex(), err)
	}
	return p, nil
}

// MarkClaimed flags a policy as claimed.
func (s *PolicyStore) MarkClaimed(ctx context.Context, shardID int, policyID common.Hash) error {
	const query = `UPDATE policies SET claimed = TRUE WHERE shard_id = $1 AND policy_id = $2`
	tag, err := s.pool.Exec(ctx, query, shardID, policyID.Hex())
	if err != nil {
		return fmt.Errorf("postgres: mark policy %s claimed: %w", policyID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy %s: %w", policyID.Hex(), domain.ErrNotFound)
	}
	return nil
}

// Deactivate ends a policy's coverage.
func (s *PolicyStore) Deactivate(ctx context.Context, shardID int, policyID common.Hash) error {
	const query = `UPDATE policies SET active = FALSE WHERE shard_id = $1 AND policy_id = $2`
	tag, err := s.pool.Exec(ctx, query, shardID, policyID.Hex())
	if err != nil {
		return fmt.Errorf("postgres: deactivate policy %s: %w", policyID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy %s: %w", policyID.Hex(), domain.ErrNotFound)
	}
	return nil
}

// ListByOwner returns a shard's policies owned by owner, newest first.
func (s *PolicyStore) ListByOwner(ctx context.Context, shardID int, owner common.Address) ([]domain.PolicyRecord, error) {
	query := `SELECT ` + policySelectCols + `
		FROM policies WHERE shard_id = $1 AND owner = $2
		ORDER BY start_time DESC`

	rows, err := s.pool.Query(ctx, query, shardID, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list policies by owner: %w", err)
	}
	defer rows.Close()

	return collectPolicies(rows)
}

// ListActiveExpired returns active policies past their end time.
func (s *PolicyStore) ListActiveExpired(ctx context.Context, shardID int, now time.Time, opts domain.ListOpts) ([]domain.PolicyRecord, error) {
	query := `SELECT ` + policySelectCols + `
		FROM policies WHERE shard_id = $1 AND active AND end_time < $2
		ORDER BY end_time ASC`
	args := []any{shardID, now}

	if opts.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired policies: %w", err)
	}
	defer rows.Close()

	return collectPolicies(rows)
}

// Count returns the number of policies on one shard.
func (s *PolicyStore) Count(ctx context.Context, shardID int) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM policies WHERE shard_id = $1", shardID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count policies: %w", err)
	}
	return n, nil
}

func collectPolicies(rows pgx.Rows) ([]domain.PolicyRecord, error) {
	var policies []domain.PolicyRecord
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list policies rows: %w", err)
	}
	return policies, nil
}
