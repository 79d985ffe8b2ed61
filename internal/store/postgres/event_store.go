package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverpool/coverd/internal/domain"
)

// VerifiedEventStore implements domain.VerifiedEventStore using PostgreSQL.
type VerifiedEventStore struct {
	pool *pgxpool.Pool
}

// NewVerifiedEventStore creates a new VerifiedEventStore backed by the given
// connection pool.
func NewVerifiedEventStore(pool *pgxpool.Pool) *VerifiedEventStore {
	return &VerifiedEventStore{pool: pool}
}

// Add appends an attested event hash. Re-adding an existing hash is a no-op.
func (s *VerifiedEventStore) Add(ctx context.Context, ev domain.VerifiedEvent) error {
	const query = `
		INSERT INTO verified_events (hash, added_by, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, ev.Hash.Hex(), ev.AddedBy.Hex(), ev.AddedAt)
	if err != nil {
		return fmt.Errorf("postgres: add verified event %s: %w", ev.Hash.Hex(), err)
	}
	return nil
}

// Contains reports whether hash has been attested.
func (s *VerifiedEventStore) Contains(ctx context.Context, hash common.Hash) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM verified_events WHERE hash = $1)",
		hash.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check verified event %s: %w", hash.Hex(), err)
	}
	return exists, nil
}

// Count returns the total number of attested events.
func (s *VerifiedEventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM verified_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count verified events: %w", err)
	}
	return n, nil
}
