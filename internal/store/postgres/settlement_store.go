package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derbylabs/derbybot/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a store backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Upsert records the winner of a resolved market. A re-resolution overwrites
// the previous record.
func (s *SettlementStore) Upsert(ctx context.Context, settlement domain.Settlement) error {
	const query = `
		INSERT INTO settlements (market_id, winner, price, resolved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id) DO UPDATE SET
			winner = EXCLUDED.winner,
			price = EXCLUDED.price,
			resolved_at = EXCLUDED.resolved_at`

	_, err := s.pool.Exec(ctx, query,
		settlement.MarketID, settlement.Winner, settlement.Price, settlement.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert settlement for market %d: %w", settlement.MarketID, err)
	}
	return nil
}

// GetByMarket returns the settlement of one market, or domain.ErrNotFound.
func (s *SettlementStore) GetByMarket(ctx context.Context, marketID int64) (domain.Settlement, error) {
	const query = `SELECT market_id, winner, price, resolved_at FROM settlements WHERE market_id = $1`

	var out domain.Settlement
	err := s.pool.QueryRow(ctx, query, marketID).Scan(
		&out.MarketID, &out.Winner, &out.Price, &out.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settlement{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement for market %d: %w", marketID, err)
	}
	return out, nil
}

// List returns settlements newest first with pagination.
func (s *SettlementStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error) {
	query := `SELECT market_id, winner, price, resolved_at FROM settlements ORDER BY resolved_at DESC`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var settlement domain.Settlement
		if err := rows.Scan(
			&settlement.MarketID, &settlement.Winner, &settlement.Price, &settlement.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
