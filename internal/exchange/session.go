// Package exchange implements the per-trade-intent session: one buy-or-sell
// form for one category, holding the selected asset pair, pending amounts,
// and cached balances, and quoting trades through the swap formulas.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/market"
	"github.com/derbylabs/derbybot/internal/swap"
)

// Field selects which endpoint of the intent an operation targets.
type Field string

const (
	FieldFrom Field = "From"
	FieldTo   Field = "To"
)

// Options preselects the asset pair by name. Empty fields default to the
// first pool asset (from) and the base token (to).
type Options struct {
	FromAsset string
	ToAsset   string
}

// Session is one in-progress trade intent. It reads prices and balances from
// its market session but never writes into the market's cache; the only
// fields it mutates are its own.
//
// Callers must not overlap direction toggles or re-initializations; each
// setter races only against its own prior call and there is no internal
// guard beyond the field mutex.
type Session struct {
	market  *market.Session
	logger  *slog.Logger
	account string
	opts    Options

	mu     sync.Mutex
	loaded bool

	fromAsset domain.Asset
	toAsset   domain.Asset

	fromAmount decimal.Decimal
	toAmount   decimal.Decimal

	fromBalance decimal.Decimal
	toBalance   decimal.Decimal

	fromPoolBalance decimal.Decimal
	toPoolBalance   decimal.Decimal

	spotPrice decimal.Decimal
}

// NewSession creates an uninitialized exchange session for the given market
// and active account. Call Init before any quote or balance operation.
func NewSession(m *market.Session, account string, logger *slog.Logger, opts Options) *Session {
	return &Session{
		market:  m,
		account: account,
		logger: logger.With(
			slog.String("component", "exchange"),
			slog.Int64("market_id", m.ID()),
		),
		opts: opts,
	}
}

// Init resolves the asset pair, zeroes both amounts, fetches pool and account
// balances plus the current spot price, and marks the session ready.
func (s *Session) Init(ctx context.Context) error {
	pool := s.market.Pool()
	if pool == nil {
		return domain.ErrPoolUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	options := pool.Assets
	if s.opts.FromAsset != "" {
		if err := s.setAssetLocked(FieldFrom, s.opts.FromAsset); err != nil {
			return err
		}
	} else {
		s.fromAsset = options[0]
	}
	if s.opts.ToAsset != "" {
		if err := s.setAssetLocked(FieldTo, s.opts.ToAsset); err != nil {
			return err
		}
	} else {
		s.toAsset = options[len(options)-1]
	}

	s.fromAmount = decimal.Zero
	s.toAmount = decimal.Zero

	if err := s.refreshBalancesLocked(ctx); err != nil {
		return err
	}
	if err := s.refreshSpotPriceLocked(ctx); err != nil {
		return err
	}

	s.loaded = true
	return nil
}

// Loaded reports whether Init has completed.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// SetAsset selects an asset by name for one endpoint. When the selection
// collides with the opposite endpoint, the other endpoint is moved away from
// the duplicate: to the first pool asset when the duplicate is the
// last-indexed asset, otherwise to the last. The pair is never left equal.
func (s *Session) SetAsset(field Field, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAssetLocked(field, name)
}

func (s *Session) setAssetLocked(field Field, name string) error {
	pool := s.market.Pool()
	if pool == nil {
		return domain.ErrPoolUnavailable
	}
	options := pool.Assets

	idx := -1
	for i, a := range options {
		if a.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("exchange: unknown asset %q: %w", name, domain.ErrNotFound)
	}
	chosen := options[idx]

	var same bool
	switch field {
	case FieldFrom:
		same = chosen.Name == s.toAsset.Name
	case FieldTo:
		same = chosen.Name == s.fromAsset.Name
	default:
		return fmt.Errorf("exchange: unknown field %q", field)
	}

	var other domain.Asset
	if same {
		if idx == len(options)-1 {
			other = options[0]
		} else {
			other = options[len(options)-1]
		}
	}

	switch field {
	case FieldFrom:
		s.fromAsset = chosen
		if same {
			s.toAsset = other
		}
	case FieldTo:
		s.toAsset = chosen
		if same {
			s.fromAsset = other
		}
	}
	return nil
}

// SetFromAmount stores the input amount. Empty input is accepted as zero.
func (s *Session) SetFromAmount(value string) error {
	amount, err := parseAmount(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.fromAmount = amount
	s.mu.Unlock()
	return nil
}

// SetToAmount stores the output amount. Empty input is accepted as zero.
func (s *Session) SetToAmount(value string) error {
	amount, err := parseAmount(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.toAmount = amount
	s.mu.Unlock()
	return nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: parse amount %q: %w", value, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("exchange: negative amount %q", value)
	}
	return amount, nil
}

// AmountOut quotes the output received for the current input amount, using
// the session's cached pool balances and the pool's swap fee. Domain errors
// from the swap formulas surface as a failed quote.
func (s *Session) AmountOut() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return decimal.Zero, domain.ErrNotLoaded
	}

	weightIn, weightOut, fee, err := s.pairWeightsLocked()
	if err != nil {
		return decimal.Zero, err
	}
	return swap.OutGivenIn(s.fromPoolBalance, weightIn, s.toPoolBalance, weightOut, s.fromAmount, fee)
}

// AmountIn quotes the input required for the current output amount.
func (s *Session) AmountIn() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return decimal.Zero, domain.ErrNotLoaded
	}

	weightIn, weightOut, fee, err := s.pairWeightsLocked()
	if err != nil {
		return decimal.Zero, err
	}
	return swap.InGivenOut(s.fromPoolBalance, weightIn, s.toPoolBalance, weightOut, s.toAmount, fee)
}

func (s *Session) pairWeightsLocked() (weightIn, weightOut, fee decimal.Decimal, err error) {
	pool := s.market.Pool()
	if pool == nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, domain.ErrPoolUnavailable
	}
	weightIn, ok := pool.Weight(s.fromAsset)
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero,
			fmt.Errorf("exchange: missing weight for %q: %w", s.fromAsset.Name, domain.ErrNotFound)
	}
	weightOut, ok = pool.Weight(s.toAsset)
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero,
			fmt.Errorf("exchange: missing weight for %q: %w", s.toAsset.Name, domain.ErrNotFound)
	}
	return weightIn, weightOut, pool.SwapFee, nil
}

// SwapDirection exchanges the two endpoints, clears both amounts, and
// refreshes the spot price and balances for the new pair.
func (s *Session) SwapDirection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.ErrNotLoaded
	}

	s.fromAsset, s.toAsset = s.toAsset, s.fromAsset
	s.fromAmount = decimal.Zero
	s.toAmount = decimal.Zero

	if err := s.refreshSpotPriceLocked(ctx); err != nil {
		return err
	}
	return s.refreshBalancesLocked(ctx)
}

// RefreshBalances re-reads the pool and account balances for the current
// pair, e.g. after a trade fill.
func (s *Session) RefreshBalances(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshBalancesLocked(ctx)
}

func (s *Session) refreshBalancesLocked(ctx context.Context) error {
	fromPool, err := s.market.PoolBalance(ctx, s.fromAsset.Name)
	if err != nil {
		return err
	}
	toPool, err := s.market.PoolBalance(ctx, s.toAsset.Name)
	if err != nil {
		return err
	}

	fromBal, err := s.market.AccountBalance(ctx, s.account, s.fromAsset.Name)
	if err != nil {
		return err
	}
	toBal, err := s.market.AccountBalance(ctx, s.account, s.toAsset.Name)
	if err != nil {
		return err
	}

	s.fromPoolBalance = fromPool
	s.toPoolBalance = toPool
	s.fromBalance = fromBal
	s.toBalance = toBal
	return nil
}

func (s *Session) refreshSpotPriceLocked(ctx context.Context) error {
	price, err := s.market.SpotPrice(ctx, s.fromAsset.Name, s.toAsset.Name)
	if err != nil {
		return err
	}
	s.spotPrice = price
	return nil
}

// PriceImpact re-reads the live pool balances -- not the session's cached
// ones, so the result reflects the instant of the query -- and returns the
// percentage change between the spot price before and after a hypothetical
// trade of the current amounts.
func (s *Session) PriceImpact(ctx context.Context) (float64, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return 0, domain.ErrNotLoaded
	}
	fromName := s.fromAsset.Name
	toName := s.toAsset.Name
	fromAmount := s.fromAmount
	toAmount := s.toAmount
	weightIn, weightOut, fee, err := s.pairWeightsLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	balIn, err := s.market.PoolBalance(ctx, fromName)
	if err != nil {
		return 0, err
	}
	balOut, err := s.market.PoolBalance(ctx, toName)
	if err != nil {
		return 0, err
	}

	balInAfter := balIn.Sub(fromAmount)
	balOutAfter := balOut.Sub(toAmount)

	before, err := swap.SpotPrice(balIn, weightIn, balOut, weightOut, fee)
	if err != nil {
		return 0, err
	}
	after, err := swap.SpotPrice(balInAfter, weightIn, balOutAfter, weightOut, fee)
	if err != nil {
		return 0, err
	}

	impact := after.Sub(before).Div(before)
	return impact.InexactFloat64() * 100, nil
}

// MaxProfit is the maximum profit of the intent, toAmount - fromAmount. It is
// only meaningful when paying in the base token; for a category-token input
// it returns ok=false, which callers must not read as zero.
func (s *Session) MaxProfit() (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fromAsset.IsBase() {
		return decimal.Zero, false
	}
	return s.toAmount.Sub(s.fromAmount), true
}

// Cost is the spot-price cost of the current input amount.
func (s *Session) Cost() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return decimal.Zero, domain.ErrNotLoaded
	}
	return s.spotPrice.Mul(s.fromAmount), nil
}

// Market returns the market session this trade reads from.
func (s *Session) Market() *market.Session {
	return s.market
}

// Account returns the trading account address.
func (s *Session) Account() string {
	return s.account
}

// FromAsset returns the current input asset.
func (s *Session) FromAsset() domain.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromAsset
}

// ToAsset returns the current output asset.
func (s *Session) ToAsset() domain.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toAsset
}

// FromAmount returns the pending input amount.
func (s *Session) FromAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromAmount
}

// ToAmount returns the pending output amount.
func (s *Session) ToAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toAmount
}

// Balances returns the cached account balances for the pair.
func (s *Session) Balances() (from, to decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromBalance, s.toBalance
}

// PoolBalances returns the cached pool balances for the pair.
func (s *Session) PoolBalances() (from, to decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromPoolBalance, s.toPoolBalance
}

// SpotPrice returns the cached zero-fee spot price for the pair.
func (s *Session) SpotPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spotPrice
}
