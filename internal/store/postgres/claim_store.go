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

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Create inserts a new claim.
func (s *ClaimStore) Create(ctx context.Context, c domain.Claim) error {
	const query = `
		INSERT INTO claims (
			id, policy_id, claimant, category, coverage_amount,
			evidence_ref, status, auto_approved, filed_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		c.ID, c.PolicyID.Hex(), c.Claimant.Hex(), string(c.Category),
		c.CoverageAmount, c.EvidenceRef.Hex(), string(c.Status),
		c.AutoApproved, c.FiledAt, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create claim %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create claim %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Resolve transitions a pending claim to a terminal status. The WHERE clause
// on status makes the transition race-safe: a second resolution attempt
// matches zero rows.
func (s *ClaimStore) Resolve(ctx context.Context, id string, status domain.ClaimStatus, autoApproved bool, at time.Time) error {
	const query = `
		UPDATE claims SET status = $1, auto_approved = $2, resolved_at = $3
		WHERE id = $4 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, string(status), autoApproved, at, id)
	if err != nil {
		return fmt.Errorf("postgres: resolve claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already resolved.
		var exists bool
		if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM claims WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: resolve claim %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("postgres: resolve claim %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: resolve claim %s: %w", id, domain.ErrAlreadyResolved)
	}
	return nil
}

const claimSelectCols = `id, policy_id, claimant, category, coverage_amount,
	evidence_ref, status, auto_approved, filed_at, resolved_at`

func scanClaim(scanner interface{ Scan(dest ...any) error }) (domain.Claim, error) {
	var c domain.Claim
	var policyID, claimant, category, evidenceRef, status string

	err := scanner.Scan(
		&c.ID, &policyID, &claimant, &category, &c.CoverageAmount,
		&evidenceRef, &status, &c.AutoApproved, &c.FiledAt, &c.ResolvedAt,
	)
	if err != nil {
		return domain.Claim{}, err
	}

	c.PolicyID = common.HexToHash(policyID)
	c.Claimant = common.HexToAddress(claimant)
	c.Category = domain.CoverageCategory(category)
	c.EvidenceRef = common.HexToHash(evidenceRef)
	c.Status = domain.ClaimStatus(status)
	return c, nil
}

// GetByID returns one claim.
func (s *ClaimStore) GetByID(ctx context.Context, id string) (domain.Claim, error) {
	query := `SELECT ` + claimSelectCols + ` FROM claims WHERE id = $1`
	c, err := scanClaim(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Claim{}, fmt.Errorf("postgres: claim %s: %w", id, domain.ErrNotFound)
		}
		return domain.Claim{}, fmt.Errorf("postgres: get claim %s: %w", id, err)
	}
	return c, nil
}

// ListByStatus returns claims with the given status, newest first.
func (s *ClaimStore) ListByStatus(ctx context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error) {
	query := `SELECT ` + claimSelectCols + ` FROM claims WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND filed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND filed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY filed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims by status: %w", err)
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return claims, nil
}

// ListByPolicy returns every claim filed against a policy.
func (s *ClaimStore) ListByPolicy(ctx context.Context, policyID common.Hash) ([]domain.Claim, error) {
	query := `SELECT ` + claimSelectCols + ` FROM claims WHERE policy_id = $1 ORDER BY filed_at DESC`

	rows, err := s.pool.Query(ctx, query, policyID.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims by policy: %w", err)
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return claims, nil
}
