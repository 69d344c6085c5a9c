package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PriceSnapshotRow is one persisted price observation for one category.
type PriceSnapshotRow struct {
	ID         string
	MarketID   int64
	Category   string
	ZtgPrice   decimal.Decimal
	AssetPrice decimal.Decimal
	CreatedAt  time.Time
}

// PriceHistoryStore persists the price snapshots produced by each refresh.
type PriceHistoryStore interface {
	InsertBatch(ctx context.Context, rows []PriceSnapshotRow) error
	ListByMarket(ctx context.Context, marketID int64, opts ListOpts) ([]PriceSnapshotRow, error)
	// ListBefore returns rows created strictly before the cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time) ([]PriceSnapshotRow, error)
	// DeleteBefore removes rows created strictly before the cutoff and
	// returns the number of rows removed.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Settlement records the declared winner of a resolved market.
type Settlement struct {
	MarketID   int64
	Winner     string
	Price      float64
	ResolvedAt time.Time
}

// SettlementStore persists resolution outcomes.
type SettlementStore interface {
	Upsert(ctx context.Context, s Settlement) error
	GetByMarket(ctx context.Context, marketID int64) (Settlement, error)
	List(ctx context.Context, opts ListOpts) ([]Settlement, error)
}
