package domain

import "github.com/shopspring/decimal"

// BaseAssetName is the reserved name of the market settlement token. Within a
// market every category asset carries its category name; exactly one asset --
// always the last one in pool iteration order -- carries this name.
const BaseAssetName = "ztg"

// ZTG is the fixed scale factor between on-chain integer balances (smallest
// unit) and display amounts: the base token has 10 decimals.
var ZTG = decimal.New(1, 10)

// Asset identifies a tradable token inside one market: either a category
// outcome token or the base settlement token.
type Asset struct {
	// Name is the category label, or BaseAssetName for the settlement token.
	Name string
	// PoolAssetID is the opaque chain-level identifier used in balance queries.
	PoolAssetID string
}

// IsBase reports whether the asset is the market's settlement token.
func (a Asset) IsBase() bool {
	return a.Name == BaseAssetName
}

// Pool is the AMM reserve for one market. Reserves themselves live on chain
// and are read on demand; the pool object only carries static metadata.
type Pool struct {
	ID      int64
	Address string

	// Assets in pool iteration order. The base token is always last.
	Assets []Asset

	// Weights keyed by PoolAssetID. Positive reals; the chain guarantees one
	// weight per asset.
	Weights map[string]decimal.Decimal

	// SwapFee is the fraction of the input amount retained on each trade,
	// in [0, 1).
	SwapFee decimal.Decimal
}

// BaseAsset returns the settlement token entry of the pool.
func (p *Pool) BaseAsset() Asset {
	return p.Assets[len(p.Assets)-1]
}

// Weight returns the weight for the given asset.
func (p *Pool) Weight(a Asset) (decimal.Decimal, bool) {
	w, ok := p.Weights[a.PoolAssetID]
	return w, ok
}
