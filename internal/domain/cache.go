package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is the dual price of one category at a point in time: the
// category token priced in the base token, and the base token priced in the
// category token.
type PricePoint struct {
	Ztg   decimal.Decimal
	Asset decimal.Decimal
	At    time.Time
}

// PriceMirror exposes the engine's latest computed prices to external
// consumers (dashboards, other processes). It is write-through only: the
// engine's own cache is authoritative and never reads back from the mirror.
type PriceMirror interface {
	SetPrice(ctx context.Context, marketID int64, category string, p PricePoint) error
	SetAll(ctx context.Context, marketID int64, points map[string]PricePoint) error
	GetPrices(ctx context.Context, marketID int64, categories []string) (map[string]PricePoint, error)
}

// SignalBus provides pub/sub for ephemeral engine events and a durable stream
// for ordered delivery.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// LockManager provides distributed mutual exclusion for jobs that must not
// run concurrently across processes, like the history archiver.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned function
	// releases it and is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
