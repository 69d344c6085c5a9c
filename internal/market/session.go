// Package market implements the per-market engine session: pool metadata,
// the dual price cache (category tokens priced in the base token and the base
// token priced in category tokens), lifecycle status derivation, and the
// periodic refresh subscription.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/ranking"
	"github.com/derbylabs/derbybot/internal/swap"
)

// BlockClock supplies the current chain time in unix milliseconds. Status
// derivation compares the market end against block time, not wall time.
type BlockClock interface {
	NowMs() int64
}

// Session owns the price cache and lifecycle state of one market. It is safe
// for concurrent use. Price writes follow last-resolved-wins semantics: a
// full refresh and a single-category update racing each other are applied in
// completion order, never serialized (see UpdatePrices).
type Session struct {
	chain  domain.ChainReader
	clock  BlockClock
	logger *slog.Logger
	id     int64

	mu       sync.RWMutex
	info     domain.Market
	disputes []domain.Dispute
	pool     *domain.Pool
	loaded   bool

	// ztgPrices holds each category token priced in the base token;
	// assetPrices holds the base token priced in each category token. Both
	// maps are keyed by category name and always share the same key set once
	// the initial fetch has run.
	ztgPrices   map[string]decimal.Decimal
	assetPrices map[string]decimal.Decimal

	loadedCh chan struct{}
}

// NewSession creates an unloaded session for the given market id. Call Init
// before using any other method.
func NewSession(chain domain.ChainReader, clock BlockClock, logger *slog.Logger, marketID int64) *Session {
	return &Session{
		chain: chain,
		clock: clock,
		logger: logger.With(
			slog.String("component", "market"),
			slog.Int64("market_id", marketID),
		),
		id:          marketID,
		ztgPrices:   make(map[string]decimal.Decimal),
		assetPrices: make(map[string]decimal.Decimal),
		loadedCh:    make(chan struct{}),
	}
}

// Init loads market metadata, disputes, and the pool, then runs the initial
// full price fetch when a pool exists. A market without a pool still loads;
// its quote and balance operations report domain.ErrPoolUnavailable.
func (s *Session) Init(ctx context.Context) error {
	info, err := s.chain.ReadMarket(ctx, s.id)
	if err != nil {
		return fmt.Errorf("market: read market %d: %w", s.id, err)
	}

	disputes, err := s.chain.ReadDisputes(ctx, s.id)
	if err != nil {
		return fmt.Errorf("market: read disputes %d: %w", s.id, err)
	}

	pool, err := s.chain.ReadPoolMetadata(ctx, s.id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("market: read pool %d: %w", s.id, err)
	}

	s.mu.Lock()
	s.info = info
	s.disputes = disputes
	s.pool = pool
	s.mu.Unlock()

	if pool != nil {
		if err := s.FetchPrices(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	close(s.loadedCh)

	s.logger.InfoContext(ctx, "market loaded",
		slog.String("slug", info.Slug),
		slog.Bool("has_pool", pool != nil),
		slog.Int("categories", len(info.Categories)),
	)
	return nil
}

// RefreshInfo re-reads the market record and its disputes from the chain and
// replaces the cached copies. Call it to pick up status transitions after the
// initial load; pool metadata and prices are refreshed separately.
func (s *Session) RefreshInfo(ctx context.Context) error {
	info, err := s.chain.ReadMarket(ctx, s.id)
	if err != nil {
		return fmt.Errorf("market: refresh market %d: %w", s.id, err)
	}

	disputes, err := s.chain.ReadDisputes(ctx, s.id)
	if err != nil {
		return fmt.Errorf("market: refresh disputes %d: %w", s.id, err)
	}

	s.mu.Lock()
	s.info = info
	s.disputes = disputes
	s.mu.Unlock()
	return nil
}

// Loaded reports whether Init has completed.
func (s *Session) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// LoadedCh is closed once Init completes, for callers that want to wait.
func (s *Session) LoadedCh() <-chan struct{} {
	return s.loadedCh
}

// ID returns the market id.
func (s *Session) ID() int64 { return s.id }

// Slug returns the market slug.
func (s *Session) Slug() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Slug
}

// Categories returns the ordered category names.
func (s *Session) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.info.Categories))
	copy(out, s.info.Categories)
	return out
}

// Pool returns the pool metadata, or nil when the market has no liquidity.
func (s *Session) Pool() *domain.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// EndTimestamp returns the market end in unix milliseconds.
func (s *Session) EndTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.EndTimestamp
}

// EndPassed reports whether the market end lies before current block time.
func (s *Session) EndPassed() bool {
	return s.EndTimestamp() < s.clock.NowMs()
}

// Status returns the market lifecycle status. Ended is derived at read time:
// the chain keeps reporting Active after the end timestamp has passed.
func (s *Session) Status() domain.MarketStatus {
	s.mu.RLock()
	stored := s.info.Status
	s.mu.RUnlock()

	if stored == domain.MarketStatusActive && s.EndPassed() {
		return domain.MarketStatusEnded
	}
	return stored
}

// Is reports whether the derived status equals the given one.
func (s *Session) Is(status domain.MarketStatus) bool {
	return s.Status() == status
}

// CanResolve reports whether the market is ready for resolution.
func (s *Session) CanResolve() bool {
	return s.Is(domain.MarketStatusEnded)
}

// ReportedOutcome returns the reported categorical outcome index.
func (s *Session) ReportedOutcome() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info.ReportedOutcome == nil {
		return 0, false
	}
	return *s.info.ReportedOutcome, true
}

// ReportedOutcomeText returns the category name of the reported outcome.
func (s *Session) ReportedOutcomeText() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info.ReportedOutcome == nil {
		return "", false
	}
	idx := *s.info.ReportedOutcome
	if idx < 0 || idx >= len(s.info.Categories) {
		return "", false
	}
	return s.info.Categories[idx], true
}

// NumDisputes returns the number of disputes raised against the market.
func (s *Session) NumDisputes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.disputes)
}

// LastDispute returns the most recent dispute, if any.
func (s *Session) LastDispute() (domain.Dispute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.disputes) == 0 {
		return domain.Dispute{}, false
	}
	return s.disputes[len(s.disputes)-1], true
}

// AssetByName resolves an asset name (a category or domain.BaseAssetName) to
// the pool asset. It fails with domain.ErrPoolUnavailable when the market has
// no pool.
func (s *Session) AssetByName(name string) (domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assetByNameLocked(name)
}

func (s *Session) assetByNameLocked(name string) (domain.Asset, error) {
	if s.pool == nil {
		return domain.Asset{}, domain.ErrPoolUnavailable
	}
	if name == domain.BaseAssetName {
		return s.pool.BaseAsset(), nil
	}
	for i, c := range s.info.Categories {
		if c == name {
			return s.pool.Assets[i], nil
		}
	}
	return domain.Asset{}, fmt.Errorf("market: unknown asset %q: %w", name, domain.ErrNotFound)
}

// PoolBalance returns the pool's reserve of the named asset, scaled to
// display units. A missing pool yields domain.ErrPoolUnavailable, which
// callers must treat as "no price available" rather than a zero balance.
func (s *Session) PoolBalance(ctx context.Context, name string) (decimal.Decimal, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		return decimal.Zero, domain.ErrPoolUnavailable
	}

	asset, err := s.AssetByName(name)
	if err != nil {
		return decimal.Zero, err
	}

	var raw decimal.Decimal
	if asset.IsBase() {
		raw, err = s.chain.ReadBaseBalance(ctx, pool.Address)
	} else {
		raw, err = s.chain.ReadTokenBalance(ctx, pool.Address, asset.PoolAssetID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("market: pool balance %q: %w", name, err)
	}
	return raw.Div(domain.ZTG), nil
}

// AccountBalance returns an account's balance of the named asset, scaled to
// display units.
func (s *Session) AccountBalance(ctx context.Context, address, name string) (decimal.Decimal, error) {
	asset, err := s.AssetByName(name)
	if err != nil {
		return decimal.Zero, err
	}

	var raw decimal.Decimal
	if asset.IsBase() {
		raw, err = s.chain.ReadBaseBalance(ctx, address)
	} else {
		raw, err = s.chain.ReadTokenBalance(ctx, address, asset.PoolAssetID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("market: account balance %q: %w", name, err)
	}
	return raw.Div(domain.ZTG), nil
}

// SpotPrice returns the current zero-fee spot price between two assets, read
// live from pool reserves. Both balance reads run concurrently.
func (s *Session) SpotPrice(ctx context.Context, inName, outName string) (decimal.Decimal, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		return decimal.Zero, domain.ErrPoolUnavailable
	}

	assetIn, err := s.AssetByName(inName)
	if err != nil {
		return decimal.Zero, err
	}
	assetOut, err := s.AssetByName(outName)
	if err != nil {
		return decimal.Zero, err
	}

	var balIn, balOut decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balIn, err = s.PoolBalance(gctx, inName)
		return err
	})
	g.Go(func() error {
		var err error
		balOut, err = s.PoolBalance(gctx, outName)
		return err
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}

	weightIn, ok := pool.Weight(assetIn)
	if !ok {
		return decimal.Zero, fmt.Errorf("market: missing weight for %q: %w", inName, domain.ErrNotFound)
	}
	weightOut, ok := pool.Weight(assetOut)
	if !ok {
		return decimal.Zero, fmt.Errorf("market: missing weight for %q: %w", outName, domain.ErrNotFound)
	}

	price, err := swap.SpotPrice(balIn, weightIn, balOut, weightOut, decimal.Zero)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market: spot price %s/%s: %w", inName, outName, err)
	}
	return price, nil
}

// pricePair reads the base and category pool balances once, concurrently,
// and derives both directed prices from the same pair of reserves: the
// category priced in base tokens and the base priced in category tokens.
func (s *Session) pricePair(ctx context.Context, category string) (ztg, asset decimal.Decimal, err error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		return decimal.Zero, decimal.Zero, domain.ErrPoolUnavailable
	}

	baseAsset, err := s.AssetByName(domain.BaseAssetName)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	catAsset, err := s.AssetByName(category)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var baseBal, catBal decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseBal, err = s.PoolBalance(gctx, domain.BaseAssetName)
		return err
	})
	g.Go(func() error {
		var err error
		catBal, err = s.PoolBalance(gctx, category)
		return err
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	baseWeight, ok := pool.Weight(baseAsset)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("market: missing weight for %q: %w", domain.BaseAssetName, domain.ErrNotFound)
	}
	catWeight, ok := pool.Weight(catAsset)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("market: missing weight for %q: %w", category, domain.ErrNotFound)
	}

	ztg, err = swap.SpotPrice(baseBal, baseWeight, catBal, catWeight, decimal.Zero)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("market: spot price %s/%s: %w", domain.BaseAssetName, category, err)
	}
	asset, err = swap.SpotPrice(catBal, catWeight, baseBal, baseWeight, decimal.Zero)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("market: spot price %s/%s: %w", category, domain.BaseAssetName, err)
	}
	return ztg, asset, nil
}

// computeAll recomputes both price maps over all categories: two chain reads
// per category, all categories in parallel.
func (s *Session) computeAll(ctx context.Context) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	categories := s.Categories()

	ztgVals := make([]decimal.Decimal, len(categories))
	assetVals := make([]decimal.Decimal, len(categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, category := range categories {
		g.Go(func() error {
			z, a, err := s.pricePair(gctx, category)
			if err != nil {
				return err
			}
			ztgVals[i] = z
			assetVals[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	ztg := make(map[string]decimal.Decimal, len(categories))
	asset := make(map[string]decimal.Decimal, len(categories))
	for i, category := range categories {
		ztg[category] = ztgVals[i]
		asset[category] = assetVals[i]
	}
	return ztg, asset, nil
}

// FetchPrices recomputes both price maps over all categories and atomically
// replaces them. Used at initial load and on demand after a trade.
func (s *Session) FetchPrices(ctx context.Context) error {
	ztg, asset, err := s.computeAll(ctx)
	if err != nil {
		return fmt.Errorf("market: fetch prices: %w", err)
	}

	s.mu.Lock()
	s.ztgPrices = ztg
	s.assetPrices = asset
	s.mu.Unlock()
	return nil
}

// UpdatePrices recomputes only one category's two prices and sets them in
// place, leaving all other entries untouched. Used after a trade on that
// category to avoid a full refresh.
//
// There is deliberately no sequencing against a concurrent FetchPrices or
// periodic refresh: whichever write resolves later wins, regardless of issue
// order. Serializing the writes would change observable behavior, so the
// inconsistency window stays.
func (s *Session) UpdatePrices(ctx context.Context, category string) error {
	ztg, asset, err := s.pricePair(ctx, category)
	if err != nil {
		return fmt.Errorf("market: update prices %q: %w", category, err)
	}

	s.mu.Lock()
	s.ztgPrices[category] = ztg
	s.assetPrices[category] = asset
	s.mu.Unlock()
	return nil
}

// ZtgPrices returns a copy of the current category-in-base price map.
func (s *Session) ZtgPrices() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPrices(s.ztgPrices)
}

// AssetPrices returns a copy of the current base-in-category price map.
func (s *Session) AssetPrices() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPrices(s.assetPrices)
}

// ZtgPrice returns the cached base-denominated price of one category, or
// domain.ErrNoPrice before the first fetch covered it.
func (s *Session) ZtgPrice(category string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.ztgPrices[category]
	if !ok {
		return decimal.Zero, domain.ErrNoPrice
	}
	return p, nil
}

// Ranking derives the current standings from the cached base-denominated
// prices.
func (s *Session) Ranking() map[string]ranking.Entry {
	s.mu.RLock()
	categories := make([]string, len(s.info.Categories))
	copy(categories, s.info.Categories)
	prices := copyPrices(s.ztgPrices)
	s.mu.RUnlock()

	return ranking.Rank(categories, prices)
}

// Leader returns the currently leading category, if the top price is unique.
func (s *Session) Leader() (string, ranking.Entry, bool) {
	return ranking.Leader(s.Ranking())
}

func copyPrices(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
