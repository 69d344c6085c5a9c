package market

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derbylabs/derbybot/internal/domain"
)

const poolAddr = "pool-account"

// fakeChain is an in-memory chain oracle. Balances are raw integer units;
// read counters let tests assert exactly which assets were queried.
type fakeChain struct {
	mu         sync.Mutex
	market     domain.Market
	disputes   []domain.Dispute
	pool       *domain.Pool
	base       map[string]decimal.Decimal
	tokens     map[string]decimal.Decimal
	baseReads  int
	tokenReads map[string]int
	blockMs    int64
}

func (f *fakeChain) setDisplayBalance(account, assetID string, display int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := decimal.NewFromInt(display).Mul(domain.ZTG)
	if assetID == "" {
		f.base[account] = raw
	} else {
		f.tokens[account+"/"+assetID] = raw
	}
}

func (f *fakeChain) ReadBaseBalance(_ context.Context, account string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseReads++
	return f.base[account], nil
}

func (f *fakeChain) ReadTokenBalance(_ context.Context, account, assetID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReads[assetID]++
	return f.tokens[account+"/"+assetID], nil
}

func (f *fakeChain) ReadPoolMetadata(context.Context, int64) (*domain.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool == nil {
		return nil, domain.ErrNotFound
	}
	return f.pool, nil
}

func (f *fakeChain) ReadMarket(context.Context, int64) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.market, nil
}

func (f *fakeChain) ReadDisputes(context.Context, int64) ([]domain.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disputes, nil
}

func (f *fakeChain) BlockTimestamp(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockMs, nil
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 { return c.ms }

// newFakeChain builds a two-category market (X, Y) with equal weights and
// display reserves X=100, Y=200, base=100.
func newFakeChain() *fakeChain {
	weight := decimal.NewFromInt(25)
	f := &fakeChain{
		market: domain.Market{
			ID:           7,
			Slug:         "derby-7",
			Categories:   []string{"X", "Y"},
			EndTimestamp: 5_000_000,
			Status:       domain.MarketStatusActive,
		},
		pool: &domain.Pool{
			ID:      3,
			Address: poolAddr,
			Assets: []domain.Asset{
				{Name: "X", PoolAssetID: "tok-x"},
				{Name: "Y", PoolAssetID: "tok-y"},
				{Name: domain.BaseAssetName, PoolAssetID: "tok-ztg"},
			},
			Weights: map[string]decimal.Decimal{
				"tok-x":   weight,
				"tok-y":   weight,
				"tok-ztg": weight,
			},
			SwapFee: decimal.Zero,
		},
		base:       make(map[string]decimal.Decimal),
		tokens:     make(map[string]decimal.Decimal),
		tokenReads: make(map[string]int),
	}
	f.setDisplayBalance(poolAddr, "", 100)
	f.setDisplayBalance(poolAddr, "tok-x", 100)
	f.setDisplayBalance(poolAddr, "tok-y", 200)
	return f
}

func newTestSession(t *testing.T, chain *fakeChain, clock *fakeClock) *Session {
	t.Helper()
	s := NewSession(chain, clock, slog.Default(), chain.market.ID)
	require.NoError(t, s.Init(context.Background()))
	require.True(t, s.Loaded())
	return s
}

func TestInitFetchesBothPriceMaps(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	ztg := s.ZtgPrices()
	require.Len(t, ztg, 2)
	// Equal weights: price of X in base = base reserve / X reserve.
	assert.InDelta(t, 1.0, ztg["X"].InexactFloat64(), 1e-9)
	assert.InDelta(t, 0.5, ztg["Y"].InexactFloat64(), 1e-9)

	asset := s.AssetPrices()
	require.Len(t, asset, 2)
	assert.InDelta(t, 1.0, asset["X"].InexactFloat64(), 1e-9)
	assert.InDelta(t, 2.0, asset["Y"].InexactFloat64(), 1e-9)
}

func TestUpdatePricesTouchesOnlyOneCategory(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	ztgBefore := reflect.ValueOf(s.ztgPrices).Pointer()
	assetBefore := reflect.ValueOf(s.assetPrices).Pointer()
	xBefore, err := s.ZtgPrice("X")
	require.NoError(t, err)

	chain.mu.Lock()
	xReadsBefore := chain.tokenReads["tok-x"]
	chain.mu.Unlock()

	// Move both reserves; only Y's entries may change.
	chain.setDisplayBalance(poolAddr, "tok-x", 50)
	chain.setDisplayBalance(poolAddr, "tok-y", 100)
	require.NoError(t, s.UpdatePrices(context.Background(), "Y"))

	yPrice, err := s.ZtgPrice("Y")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, yPrice.InexactFloat64(), 1e-9)

	xAfter, err := s.ZtgPrice("X")
	require.NoError(t, err)
	assert.True(t, xAfter.Equal(xBefore), "X entry must be untouched")

	// In-place update: the maps themselves were not rebuilt, and X's pool
	// reserve was never re-read.
	assert.Equal(t, ztgBefore, reflect.ValueOf(s.ztgPrices).Pointer())
	assert.Equal(t, assetBefore, reflect.ValueOf(s.assetPrices).Pointer())
	chain.mu.Lock()
	assert.Equal(t, xReadsBefore, chain.tokenReads["tok-x"])
	chain.mu.Unlock()
}

func TestPriceRefreshReadCounts(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	chain.mu.Lock()
	baseBefore := chain.baseReads
	xBefore := chain.tokenReads["tok-x"]
	yBefore := chain.tokenReads["tok-y"]
	chain.mu.Unlock()

	// A full refresh reads each pair's two reserves exactly once: one base
	// read and one token read per category.
	require.NoError(t, s.FetchPrices(context.Background()))
	chain.mu.Lock()
	assert.Equal(t, baseBefore+2, chain.baseReads)
	assert.Equal(t, xBefore+1, chain.tokenReads["tok-x"])
	assert.Equal(t, yBefore+1, chain.tokenReads["tok-y"])
	chain.mu.Unlock()

	// A single-category update costs exactly two reads.
	require.NoError(t, s.UpdatePrices(context.Background(), "Y"))
	chain.mu.Lock()
	assert.Equal(t, baseBefore+3, chain.baseReads)
	assert.Equal(t, xBefore+1, chain.tokenReads["tok-x"])
	assert.Equal(t, yBefore+2, chain.tokenReads["tok-y"])
	chain.mu.Unlock()
}

func TestFetchPricesReplacesBothMaps(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	ztgBefore := reflect.ValueOf(s.ztgPrices).Pointer()

	chain.setDisplayBalance(poolAddr, "tok-x", 400)
	require.NoError(t, s.FetchPrices(context.Background()))

	assert.NotEqual(t, ztgBefore, reflect.ValueOf(s.ztgPrices).Pointer())
	x, err := s.ZtgPrice("X")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, x.InexactFloat64(), 1e-9)
}

func TestPeriodicPriceUpdate(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	sub := s.PeriodicPriceUpdate(5 * time.Millisecond)
	require.NotNil(t, sub)

	select {
	case snap := <-sub.C:
		assert.InDelta(t, 1.0, snap.ZtgPrices["X"].InexactFloat64(), 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	chain.setDisplayBalance(poolAddr, "tok-x", 200)
	deadline := time.After(time.Second)
	for {
		var snap PriceSnapshot
		select {
		case snap = <-sub.C:
		case <-deadline:
			t.Fatal("refreshed snapshot never delivered")
		}
		if snap.ZtgPrices["X"].InexactFloat64() == 0.5 {
			break
		}
	}

	sub.Stop()

	// Late results are discarded: after Stop the cache stays put even though
	// the oracle keeps moving.
	settled := s.ZtgPrices()
	chain.setDisplayBalance(poolAddr, "tok-x", 1)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.ZtgPrices()["X"].Equal(settled["X"]))

	// The channel closes once in-flight work has drained.
	deadline = time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestStatusDerivation(t *testing.T) {
	chain := newFakeChain()
	clock := &fakeClock{ms: 1000}
	s := newTestSession(t, chain, clock)

	assert.Equal(t, domain.MarketStatusActive, s.Status())
	assert.False(t, s.CanResolve())

	// End passed while the chain still says Active.
	clock.ms = 6_000_000
	assert.Equal(t, domain.MarketStatusEnded, s.Status())
	assert.True(t, s.CanResolve())

	// A stored terminal status is never rewritten to Ended.
	s.mu.Lock()
	s.info.Status = domain.MarketStatusResolved
	s.mu.Unlock()
	assert.Equal(t, domain.MarketStatusResolved, s.Status())
	assert.False(t, s.CanResolve())
}

func TestNoPoolMarket(t *testing.T) {
	chain := newFakeChain()
	chain.pool = nil
	clock := &fakeClock{ms: 1000}

	s := NewSession(chain, clock, slog.Default(), chain.market.ID)
	require.NoError(t, s.Init(context.Background()))
	assert.True(t, s.Loaded())

	_, err := s.PoolBalance(context.Background(), "X")
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	_, err = s.SpotPrice(context.Background(), domain.BaseAssetName, "X")
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	assert.Nil(t, s.PeriodicPriceUpdate(time.Second))
}

func TestRankingAndLeader(t *testing.T) {
	chain := newFakeChain()
	s := newTestSession(t, chain, &fakeClock{ms: 1000})

	// X=1.0, Y=0.5: X leads with a clean rank-2 gap.
	entries := s.Ranking()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries["X"].Rank)
	assert.Equal(t, 2, entries["Y"].Rank)

	name, _, ok := s.Leader()
	require.True(t, ok)
	assert.Equal(t, "X", name)

	// Equalize the reserves: top tie, no leader.
	chain.setDisplayBalance(poolAddr, "tok-y", 100)
	require.NoError(t, s.FetchPrices(context.Background()))
	_, _, ok = s.Leader()
	assert.False(t, ok)
}
