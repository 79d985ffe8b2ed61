package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverpool/coverd/internal/domain"
)

// DepositorStore implements domain.DepositorStore using PostgreSQL. The
// ledger owns the live balances in memory; this store is the write-behind
// snapshot used to restore them at startup.
type DepositorStore struct {
	pool *pgxpool.Pool
}

// NewDepositorStore creates a new DepositorStore backed by the given
// connection pool.
func NewDepositorStore(pool *pgxpool.Pool) *DepositorStore {
	return &DepositorStore{pool: pool}
}

// Upsert writes one depositor position.
func (s *DepositorStore) Upsert(ctx context.Context, b domain.DepositorBalance) error {
	const query = `
		INSERT INTO depositor_balances (account, tranche_id, share_balance, lock_until, stake_start, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account, tranche_id) DO UPDATE SET
			share_balance = EXCLUDED.share_balance,
			lock_until = EXCLUDED.lock_until,
			stake_start = EXCLUDED.stake_start,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		b.Account.Hex(), b.TrancheID, b.ShareBalance, b.LockUntil, b.StakeStart,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert depositor %s tranche %d: %w", b.Account.Hex(), b.TrancheID, err)
	}
	return nil
}

const depositorSelectCols = `account, tranche_id, share_balance, lock_until, stake_start`

func scanDepositor(scanner interface{ Scan(dest ...any) error }) (domain.DepositorBalance, error) {
	var b domain.DepositorBalance
	var account string
	err := scanner.Scan(&account, &b.TrancheID, &b.ShareBalance, &b.LockUntil, &b.StakeStart)
	if err != nil {
		return domain.DepositorBalance{}, err
	}
	b.Account = common.HexToAddress(account)
	return b, nil
}

// Get returns one depositor position.
func (s *DepositorStore) Get(ctx context.Context, account common.Address, trancheID int) (domain.DepositorBalance, error) {
	query := `SELECT ` + depositorSelectCols + `
		FROM depositor_balances WHERE account = $1 AND tranche_id = $2`
	b, err := scanDepositor(s.pool.QueryRow(ctx, query, account.Hex(), trancheID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DepositorBalance{}, fmt.Errorf("postgres: depositor %s tranche %d: %w", account.Hex(), trancheID, domain.ErrNotFound)
		}
		return domain.DepositorBalance{}, fmt.Errorf("postgres: get depositor %s: %w", account.Hex(), err)
	}
	return b, nil
}

// ListByAccount returns every tranche position held by account.
func (s *DepositorStore) ListByAccount(ctx context.Context, account common.Address) ([]domain.DepositorBalance, error) {
	query := `SELECT ` + depositorSelectCols + `
		FROM depositor_balances WHERE account = $1 ORDER BY tranche_id`

	rows, err := s.pool.Query(ctx, query, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list depositor %s: %w", account.Hex(), err)
	}
	defer rows.Close()

	return collectDepositors(rows)
}

// ListAll returns every persisted position, for startup restore.
func (s *DepositorStore) ListAll(ctx context.Context) ([]domain.DepositorBalance, error) {
	query := `SELECT ` + depositorSelectCols + ` FROM depositor_balances ORDER BY account, tranche_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list depositors: %w", err)
	}
	defer rows.Close()

	return collectDepositors(rows)
}

func collectDepositors(rows pgx.Rows) ([]domain.DepositorBalance, error) {
	var balances []domain.DepositorBalance
	for rows.Next() {
		b, err := scanDepositor(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan depositor: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list depositors rows: %w", err)
	}
	return balances, nil
}
