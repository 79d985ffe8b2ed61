package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coverpool/coverd/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates a new EscrowStore backed by the given connection pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

// jsonParty is the JSONB representation of one additional recipient.
type jsonParty struct {
	Account string `json:"account"`
	Percent int    `json:"percent"`
}

func encodeParties(parties []domain.Party) ([]byte, error) {
	out := make([]jsonParty, 0, len(parties))
	for _, p := range parties {
		out = append(out, jsonParty{Account: p.Account.Hex(), Percent: p.Percent})
	}
	return json.Marshal(out)
}

func decodeParties(data []byte) ([]domain.Party, error) {
	var raw []jsonParty
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.Party, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.Party{Account: common.HexToAddress(p.Account), Percent: p.Percent})
	}
	return out, nil
}

// Create inserts a new escrow.
func (s *EscrowStore) Create(ctx context.Context, e domain.Escrow) error {
	parties, err := encodeParties(e.AdditionalParties)
	if err != nil {
		return fmt.Errorf("postgres: encode escrow parties: %w", err)
	}

	var linkedPolicy *string
	if e.LinkedPolicyID != nil {
		v := e.LinkedPolicyID.Hex()
		linkedPolicy = &v
	}

	const query = `
		INSERT INTO escrows (
			id, payer, payee, oracle_authority, amount, status,
			created_at, timeout_at, policy_kind, percent_to_payee,
			condition_commitment, additional_parties, linked_policy_id,
			dispute_frozen_at, resolved_policy
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.Payer.Hex(), e.Payee.Hex(), e.OracleAuthority.Hex(),
		e.Amount, string(e.Status), e.CreatedAt, e.TimeoutAt,
		string(e.Policy.Kind), e.Policy.PercentToPayee,
		e.ConditionCommitment.Hex(), parties, linkedPolicy,
		e.DisputeFrozenAt, resolvedPolicyString(e.ResolvedPolicy),
	)
	if err != nil {
		return fmt.Errorf("postgres: create escrow %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create escrow %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Update persists the mutable fields of an escrow.
func (s *EscrowStore) Update(ctx context.Context, e domain.Escrow) error {
	const query = `
		UPDATE escrows SET
			oracle_authority = $1, status = $2,
			dispute_frozen_at = $3, resolved_policy = $4
		WHERE id = $5`

	tag, err := s.pool.Exec(ctx, query,
		e.OracleAuthority.Hex(), string(e.Status),
		e.DisputeFrozenAt, resolvedPolicyString(e.ResolvedPolicy), e.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update escrow %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update escrow %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

func resolvedPolicyString(kind *domain.TimeoutPolicyKind) *string {
	if kind == nil {
		return nil
	}
	v := string(*kind)
	return &v
}

const escrowSelectCols = `id, payer, payee, oracle_authority, amount, status,
	created_at, timeout_at, policy_kind, percent_to_payee,
	condition_commitment, additional_parties, linked_policy_id,
	dispute_frozen_at, resolved_policy`

func scanEscrow(scanner interface{ Scan(dest ...any) error }) (domain.Escrow, error) {
	var e domain.Escrow
	var payer, payee, authority, status, policyKind, commitment string
	var parties []byte
	var linkedPolicy, resolvedPolicy *string

	err := scanner.Scan(
		&e.ID, &payer, &payee, &authority, &e.Amount, &status,
		&e.CreatedAt, &e.TimeoutAt, &policyKind, &e.Policy.PercentToPayee,
		&commitment, &parties, &linkedPolicy,
		&e.DisputeFrozenAt, &resolvedPolicy,
	)
	if err != nil {
		return domain.Escrow{}, err
	}

	e.Payer = common.HexToAddress(payer)
	e.Payee = common.HexToAddress(payee)
	e.OracleAuthority = common.HexToAddress(authority)
	e.Status = domain.EscrowStatus(status)
	e.Policy.Kind = domain.TimeoutPolicyKind(policyKind)
	e.ConditionCommitment = common.HexToHash(commitment)

	if e.AdditionalParties, err = decodeParties(parties); err != nil {
		return domain.Escrow{}, fmt.Errorf("decode parties: %w", err)
	}
	if linkedPolicy != nil {
		h := common.HexToHash(*linkedPolicy)
		e.LinkedPolicyID = &h
	}
	if resolvedPolicy != nil {
		k := domain.TimeoutPolicyKind(*resolvedPolicy)
		e.ResolvedPolicy = &k
	}
	return e, nil
}

// GetByID returns one escrow.
func (s *EscrowStore) GetByID(ctx context.Context, id string) (domain.Escrow, error) {
	query := `SELECT ` + escrowSelectCols + ` FROM escrows WHERE id = $1`
	e, err := scanEscrow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Escrow{}, fmt.Errorf("postgres: escrow %s: %w", id, domain.ErrNotFound)
		}
		return domain.Escrow{}, fmt.Errorf("postgres: get escrow %s: %w", id, err)
	}
	return e, nil
}

// ListActiveExpired returns Active escrows whose timeout has elapsed, oldest
// deadline first.
func (s *EscrowStore) ListActiveExpired(ctx context.Context, now time.Time, opts domain.ListOpts) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowSelectCols + `
		FROM escrows WHERE status = 'active' AND timeout_at <= $1
		ORDER BY timeout_at ASC`
	args := []any{now}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired escrows: %w", err)
	}
	defer rows.Close()

	var escrows []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list expired escrows rows: %w", err)
	}
	return escrows, nil
}
