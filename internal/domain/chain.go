package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainReader is the read-only boundary to the chain. The chain is treated as
// an opaque balance oracle: every method maps to a single RPC query and
// returns raw integer balances in the smallest unit (callers divide by ZTG).
type ChainReader interface {
	// ReadBaseBalance returns the free base-token balance of an account.
	ReadBaseBalance(ctx context.Context, accountAddress string) (decimal.Decimal, error)
	// ReadTokenBalance returns the free balance of a token account.
	ReadTokenBalance(ctx context.Context, accountAddress, assetID string) (decimal.Decimal, error)
	// ReadPoolMetadata returns the pool for a market, or ErrNotFound when the
	// market has no liquidity yet.
	ReadPoolMetadata(ctx context.Context, marketID int64) (*Pool, error)
	// ReadMarket returns the market metadata stored on chain.
	ReadMarket(ctx context.Context, marketID int64) (Market, error)
	// ReadDisputes returns all disputes raised against a market.
	ReadDisputes(ctx context.Context, marketID int64) ([]Dispute, error)
	// BlockTimestamp returns the timestamp of the latest block in unix
	// milliseconds.
	BlockTimestamp(ctx context.Context) (int64, error)
}

// BlockSubscriber delivers the timestamp of each new block.
type BlockSubscriber interface {
	// SubscribeBlocks emits one unix-millisecond timestamp per new head until
	// the context is cancelled. The returned channel is closed on cancel or
	// disconnect.
	SubscribeBlocks(ctx context.Context) (<-chan int64, error)
}

// TradeStatus is the lifecycle phase of a submitted swap.
type TradeStatus string

const (
	TradeBroadcast TradeStatus = "broadcast"
	TradeSuccess   TradeStatus = "success"
	TradeFailed    TradeStatus = "failed"
)

// SwapIntent describes one swap to submit to the chain. Amounts are raw
// integer units. Signing and broadcast mechanics are the submitter's concern.
type SwapIntent struct {
	ID           string
	MarketID     int64
	PoolID       int64
	Account      string
	AssetIn      Asset
	AmountIn     decimal.Decimal
	AssetOut     Asset
	MinAmountOut decimal.Decimal
	MaxPrice     decimal.Decimal
}

// TradeEvent is one status signal for a submitted swap. The engine consumes
// only the success and failure signals, to decide whether to refresh prices
// and balances.
type TradeEvent struct {
	IntentID string
	Status   TradeStatus
	// Err carries the chain error text for TradeFailed events.
	Err string
}

// TradeSubmitter submits swaps and streams their status events. The returned
// channel is closed after a terminal event (success or failure) is delivered.
type TradeSubmitter interface {
	SubmitSwap(ctx context.Context, intent SwapIntent) (<-chan TradeEvent, error)
}
