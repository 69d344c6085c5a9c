package exchange

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/market"
)

const (
	poolAddr = "pool-account"
	trader   = "trader-account"
)

type fakeChain struct {
	mu     sync.Mutex
	market domain.Market
	pool   *domain.Pool
	base   map[string]decimal.Decimal
	tokens map[string]decimal.Decimal
}

func (f *fakeChain) set(account, assetID string, display string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := decimal.RequireFromString(display).Mul(domain.ZTG)
	if assetID == "" {
		f.base[account] = raw
	} else {
		f.tokens[account+"/"+assetID] = raw
	}
}

func (f *fakeChain) ReadBaseBalance(_ context.Context, account string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base[account], nil
}

func (f *fakeChain) ReadTokenBalance(_ context.Context, account, assetID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[account+"/"+assetID], nil
}

func (f *fakeChain) ReadPoolMetadata(context.Context, int64) (*domain.Pool, error) {
	return f.pool, nil
}

func (f *fakeChain) ReadMarket(context.Context, int64) (domain.Market, error) {
	return f.market, nil
}

func (f *fakeChain) ReadDisputes(context.Context, int64) ([]domain.Dispute, error) {
	return nil, nil
}

func (f *fakeChain) BlockTimestamp(context.Context) (int64, error) {
	return 0, nil
}

type fixedClock struct{}

func (fixedClock) NowMs() int64 { return 1000 }

// newFakeChain builds a three-category market (A, B, C) with equal weights
// and display reserves of 100 per asset. The trader holds 50 base tokens and
// 5 of category A.
func newFakeChain() *fakeChain {
	weight := decimal.NewFromInt(25)
	f := &fakeChain{
		market: domain.Market{
			ID:           11,
			Slug:         "derby-11",
			Categories:   []string{"A", "B", "C"},
			EndTimestamp: 5_000_000,
			Status:       domain.MarketStatusActive,
		},
		pool: &domain.Pool{
			ID:      4,
			Address: poolAddr,
			Assets: []domain.Asset{
				{Name: "A", PoolAssetID: "tok-a"},
				{Name: "B", PoolAssetID: "tok-b"},
				{Name: "C", PoolAssetID: "tok-c"},
				{Name: domain.BaseAssetName, PoolAssetID: "tok-ztg"},
			},
			Weights: map[string]decimal.Decimal{
				"tok-a":   weight,
				"tok-b":   weight,
				"tok-c":   weight,
				"tok-ztg": weight,
			},
			SwapFee: decimal.Zero,
		},
		base:   make(map[string]decimal.Decimal),
		tokens: make(map[string]decimal.Decimal),
	}
	f.set(poolAddr, "", "100")
	f.set(poolAddr, "tok-a", "100")
	f.set(poolAddr, "tok-b", "100")
	f.set(poolAddr, "tok-c", "100")
	f.set(trader, "", "50")
	f.set(trader, "tok-a", "5")
	return f
}

func newBuySession(t *testing.T, chain *fakeChain, category string) *Session {
	t.Helper()
	m := market.NewSession(chain, fixedClock{}, slog.Default(), chain.market.ID)
	require.NoError(t, m.Init(context.Background()))

	s := NewSession(m, trader, slog.Default(), Options{
		FromAsset: domain.BaseAssetName,
		ToAsset:   category,
	})
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestInitResolvesPairAndBalances(t *testing.T) {
	chain := newFakeChain()
	s := newBuySession(t, chain, "A")

	assert.True(t, s.FromAsset().IsBase())
	assert.Equal(t, "A", s.ToAsset().Name)
	assert.True(t, s.FromAmount().IsZero())
	assert.True(t, s.ToAmount().IsZero())

	from, to := s.Balances()
	assert.InDelta(t, 50, from.InexactFloat64(), 1e-9)
	assert.InDelta(t, 5, to.InexactFloat64(), 1e-9)

	fromPool, toPool := s.PoolBalances()
	assert.InDelta(t, 100, fromPool.InexactFloat64(), 1e-9)
	assert.InDelta(t, 100, toPool.InexactFloat64(), 1e-9)

	assert.InDelta(t, 1.0, s.SpotPrice().InexactFloat64(), 1e-9)
}

func TestOperationsBeforeInit(t *testing.T) {
	chain := newFakeChain()
	m := market.NewSession(chain, fixedClock{}, slog.Default(), chain.market.ID)
	require.NoError(t, m.Init(context.Background()))

	s := NewSession(m, trader, slog.Default(), Options{})
	assert.False(t, s.Loaded())

	_, err := s.AmountOut()
	assert.ErrorIs(t, err, domain.ErrNotLoaded)
	_, err = s.AmountIn()
	assert.ErrorIs(t, err, domain.ErrNotLoaded)
	_, err = s.Cost()
	assert.ErrorIs(t, err, domain.ErrNotLoaded)
	err = s.SwapDirection(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotLoaded)
}

func TestSetAssetCollision(t *testing.T) {
	t.Run("duplicate mid-list moves other endpoint to last asset", func(t *testing.T) {
		chain := newFakeChain()
		// From=base, To=C; C is the last category but not the last pool asset.
		s := newBuySession(t, chain, "C")

		require.NoError(t, s.SetAsset(FieldFrom, "C"))
		assert.Equal(t, "C", s.FromAsset().Name)
		assert.True(t, s.ToAsset().IsBase(), "toAsset must become the base token")
		assert.NotEqual(t, s.FromAsset().Name, s.ToAsset().Name)
	})

	t.Run("duplicate at last index moves other endpoint to first asset", func(t *testing.T) {
		chain := newFakeChain()
		s := newBuySession(t, chain, "B")

		// From=base: selecting base for To collides with the last-indexed
		// asset, so From falls back to the first one.
		require.NoError(t, s.SetAsset(FieldTo, domain.BaseAssetName))
		assert.True(t, s.ToAsset().IsBase())
		assert.Equal(t, "A", s.FromAsset().Name)
	})

	t.Run("no collision leaves the other endpoint alone", func(t *testing.T) {
		chain := newFakeChain()
		s := newBuySession(t, chain, "A")

		require.NoError(t, s.SetAsset(FieldTo, "B"))
		assert.Equal(t, "B", s.ToAsset().Name)
		assert.True(t, s.FromAsset().IsBase())
	})

	t.Run("unknown asset name is rejected", func(t *testing.T) {
		chain := newFakeChain()
		s := newBuySession(t, chain, "A")
		err := s.SetAsset(FieldFrom, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestAmountParsing(t *testing.T) {
	chain := newFakeChain()
	s := newBuySession(t, chain, "A")

	require.NoError(t, s.SetFromAmount(""))
	assert.True(t, s.FromAmount().IsZero())

	require.NoError(t, s.SetFromAmount("0"))
	assert.True(t, s.FromAmount().IsZero())

	require.NoError(t, s.SetFromAmount("12.5"))
	assert.Equal(t, "12.5", s.FromAmount().String())

	assert.Error(t, s.SetFromAmount("-3"))
	assert.Error(t, s.SetToAmount("bogus"))
}

func TestQuotes(t *testing.T) {
	chain := newFakeChain()
	s := newBuySession(t, chain, "A")

	// Buying A with 10 base tokens against 100/100 reserves, equal weights,
	// zero fee: 100 * (1 - 100/110).
	require.NoError(t, s.SetFromAmount("10"))
	out, err := s.AmountOut()
	require.NoError(t, err)
	assert.Equal(t, "9.0909", out.Round(4).String())

	// The symmetric quote recovers the input.
	require.NoError(t, s.SetToAmount(out.String()))
	in, err := s.AmountIn()
	require.NoError(t, err)
	assert.InDelta(t, 10, in.InexactFloat64(), 1e-8)

	// Requesting the whole reserve is a failed quote, not a clamp.
	require.NoError(t, s.SetToAmount("100"))
	_, err = s.AmountIn()
	assert.Error(t, err)
}

func TestSwapDirection(t *testing.T) {
	chain := newFakeChain()
	s := newBuySession(t, chain, "A")

	require.NoError(t, s.SetFromAmount("10"))
	require.NoError(t, s.SetToAmount("9"))
	require.NoError(t, s.SwapDirection(context.Background()))

	assert.Equal(t, "A", s.FromAsset().Name)
	assert.True(t, s.ToAsset().IsBase())
	assert.True(t, s.FromAmount().IsZero())
	assert.True(t, s.ToAmount().IsZero())

	from, to := s.Balances()
	assert.InDelta(t, 5, from.InexactFloat64(), 1e-9)
	assert.InDelta(t, 50, to.InexactFloat64(), 1e-9)
}

func TestMaxProfit(t *testing.T) {
	chain := newFakeChain()

	t.Run("base input yields a value", func(t *testing.T) {
		s := newBuySession(t, chain, "A")

		require.NoError(t, s.SetFromAmount("10"))
		require.NoError(t, s.SetToAmount("12"))
		profit, ok := s.MaxProfit()
		require.True(t, ok)
		assert.Equal(t, "2", profit.String())

		require.NoError(t, s.SetToAmount("8"))
		profit, ok = s.MaxProfit()
		require.True(t, ok)
		assert.Equal(t, "-2", profit.String())
	})

	t.Run("category input has no defined profit", func(t *testing.T) {
		s := newBuySession(t, chain, "A")
		require.NoError(t, s.SwapDirection(context.Background()))
		require.NoError(t, s.SetFromAmount("10"))
		require.NoError(t, s.SetToAmount("12"))

		_, ok := s.MaxProfit()
		assert.False(t, ok, "profit is undefined when paying in a category token")
	})
}

func TestPriceImpact(t *testing.T) {
	chain := newFakeChain()
	s := newBuySession(t, chain, "A")

	require.NoError(t, s.SetFromAmount("10"))
	out, err := s.AmountOut()
	require.NoError(t, err)
	require.NoError(t, s.SetToAmount(out.String()))

	impact, err := s.PriceImpact(context.Background())
	require.NoError(t, err)
	// (90/90.9091) / (100/100) - 1 = -1%
	assert.InDelta(t, -1.0, impact, 1e-3)

	// Impact reads live reserves, not the session's cached ones.
	chain.set(poolAddr, "tok-a", "50")
	impact2, err := s.PriceImpact(context.Background())
	require.NoError(t, err)
	assert.Greater(t, math.Abs(impact-impact2), 1e-6)
}
