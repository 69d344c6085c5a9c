package zeitgeist

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/domain"
)

// rpcRequest is a JSON-RPC 2.0 call frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse covers both call replies (ID set) and subscription
// notifications (Method + Params set).
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *rpcSubParams   `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcSubParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// marketPayload is the chain's market record.
type marketPayload struct {
	ID              int64    `json:"marketId"`
	Slug            string   `json:"slug"`
	Categories      []string `json:"categories"`
	EndTimestamp    int64    `json:"end"`
	Status          string   `json:"status"`
	ReportedOutcome *int     `json:"reportedOutcome"`
	ResolvedOutcome *int     `json:"resolvedOutcome"`
}

func (m marketPayload) toDomain() domain.Market {
	return domain.Market{
		ID:              m.ID,
		Slug:            m.Slug,
		Categories:      m.Categories,
		EndTimestamp:    m.EndTimestamp,
		Status:          domain.MarketStatus(m.Status),
		ReportedOutcome: m.ReportedOutcome,
		ResolvedOutcome: m.ResolvedOutcome,
	}
}

type disputePayload struct {
	By      string `json:"by"`
	Outcome int    `json:"outcome"`
	At      int64  `json:"at"`
}

func (d disputePayload) toDomain() domain.Dispute {
	return domain.Dispute{By: d.By, Outcome: d.Outcome, At: d.At}
}

// poolPayload is the chain's swap-pool record. Weights are keyed by pool
// asset id and carried as raw decimal strings.
type poolPayload struct {
	ID      int64             `json:"poolId"`
	Address string            `json:"accountId"`
	Assets  []assetPayload    `json:"assets"`
	Weights map[string]string `json:"weights"`
	SwapFee string            `json:"swapFee"`
}

type assetPayload struct {
	Name        string `json:"name"`
	PoolAssetID string `json:"assetId"`
}

func (p poolPayload) toDomain() (*domain.Pool, error) {
	pool := &domain.Pool{
		ID:      p.ID,
		Address: p.Address,
		Assets:  make([]domain.Asset, 0, len(p.Assets)),
		Weights: make(map[string]decimal.Decimal, len(p.Weights)),
	}
	for _, a := range p.Assets {
		pool.Assets = append(pool.Assets, domain.Asset{Name: a.Name, PoolAssetID: a.PoolAssetID})
	}
	for id, w := range p.Weights {
		weight, err := decimal.NewFromString(w)
		if err != nil {
			return nil, fmt.Errorf("pool %d: weight for %q: %w", p.ID, id, err)
		}
		pool.Weights[id] = weight
	}
	fee, err := decimal.NewFromString(p.SwapFee)
	if err != nil {
		return nil, fmt.Errorf("pool %d: swap fee: %w", p.ID, err)
	}
	pool.SwapFee = fee
	return pool, nil
}

// balancePayload carries a raw integer balance as a decimal string.
type balancePayload struct {
	Free string `json:"free"`
}

func (b balancePayload) toDecimal() (decimal.Decimal, error) {
	if b.Free == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(b.Free)
}

// headPayload is a new-head notification.
type headPayload struct {
	Number    int64 `json:"number"`
	Timestamp int64 `json:"timestamp"`
}

// swapParams is the submitted swap call payload.
type swapParams struct {
	IntentID     string `json:"intentId"`
	MarketID     int64  `json:"marketId"`
	PoolID       int64  `json:"poolId"`
	Account      string `json:"account"`
	AssetIn      string `json:"assetIn"`
	AmountIn     string `json:"amountIn"`
	AssetOut     string `json:"assetOut"`
	MinAmountOut string `json:"minAmountOut"`
	MaxPrice     string `json:"maxPrice"`
}

// swapStatusPayload is an in-flight swap status notification.
type swapStatusPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
