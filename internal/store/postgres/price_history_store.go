package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derbylabs/derbybot/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPriceHistoryStore creates a store backed by the given connection pool.
func NewPriceHistoryStore(pool *pgxpool.Pool) *PriceHistoryStore {
	return &PriceHistoryStore{pool: pool}
}

const snapshotSelectCols = `id, market_id, category, ztg_price, asset_price, created_at`

func scanSnapshotRows(rows pgx.Rows) ([]domain.PriceSnapshotRow, error) {
	var out []domain.PriceSnapshotRow
	for rows.Next() {
		var r domain.PriceSnapshotRow
		if err := rows.Scan(
			&r.ID, &r.MarketID, &r.Category,
			&r.ZtgPrice, &r.AssetPrice, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertBatch inserts price snapshot rows efficiently using pgx Batch. Rows
// without an ID get one assigned.
func (s *PriceHistoryStore) InsertBatch(ctx context.Context, rows []domain.PriceSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO price_snapshots (
			id, market_id, category, ztg_price, asset_price, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	for _, r := range rows {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		batch.Queue(query, id, r.MarketID, r.Category, r.ZtgPrice, r.AssetPrice, createdAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByMarket returns snapshots for one market, newest first, with pagination.
func (s *PriceHistoryStore) ListByMarket(ctx context.Context, marketID int64, opts domain.ListOpts) ([]domain.PriceSnapshotRow, error) {
	query := `SELECT ` + snapshotSelectCols + ` FROM price_snapshots WHERE market_id = $1 ORDER BY created_at DESC`
	args := []any{marketID}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list snapshots by market: %w", err)
	}
	defer rows.Close()

	out, err := scanSnapshotRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan snapshots by market: %w", err)
	}
	return out, nil
}

// ListBefore returns all snapshots created strictly before the given time, in
// creation order, for archiving.
func (s *PriceHistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PriceSnapshotRow, error) {
	query := `SELECT ` + snapshotSelectCols + ` FROM price_snapshots WHERE created_at < $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before: %w", err)
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

// DeleteBefore deletes all snapshots created before the given time. Returns
// the number deleted.
func (s *PriceHistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_snapshots WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PriceHistoryStore = (*PriceHistoryStore)(nil)
