package derby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/exchange"
	"github.com/derbylabs/derbybot/internal/market"
	"github.com/derbylabs/derbybot/internal/ranking"
)

// Direction names the two trade shapes a slot hands out sessions for.
type Direction string

const (
	// DirectionBuy pays the base token for a category token.
	DirectionBuy Direction = "buy"
	// DirectionSell pays a category token for the base token.
	DirectionSell Direction = "sell"
)

type exchangeKey struct {
	direction Direction
	category  int
}

// Slot is the per-market trade surface: a ranking snapshot plus memoized
// exchange sessions keyed by (direction, category index). Sessions are
// created lazily on first request and reused afterwards, so their amount
// state survives across uses.
type Slot struct {
	market  *market.Session
	account string
	logger  *slog.Logger

	mu        sync.Mutex
	ranking   map[string]ranking.Entry
	exchanges map[exchangeKey]*exchange.Session
}

func newSlot(m *market.Session, account string, logger *slog.Logger) *Slot {
	return &Slot{
		market:  m,
		account: account,
		logger: logger.With(
			slog.String("component", "slot"),
			slog.Int64("market_id", m.ID()),
		),
		ranking:   make(map[string]ranking.Entry),
		exchanges: make(map[exchangeKey]*exchange.Session),
	}
}

// Market returns the slot's underlying market session.
func (s *Slot) Market() *market.Session {
	return s.market
}

// RefreshRanking recomputes the ranking snapshot from the market's current
// cached base-token prices.
func (s *Slot) RefreshRanking() {
	s.ApplyRanking(s.market.ZtgPrices())
}

// ApplyRanking replaces the ranking snapshot with one computed from the given
// base-token prices. Callers holding a snapshot from a price subscription
// pass it here so ranking and displayed prices agree.
func (s *Slot) ApplyRanking(prices map[string]decimal.Decimal) {
	entries := ranking.Rank(s.market.Categories(), prices)
	s.mu.Lock()
	s.ranking = entries
	s.mu.Unlock()
}

// Ranking returns a copy of the current ranking snapshot.
func (s *Slot) Ranking() map[string]ranking.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ranking.Entry, len(s.ranking))
	for k, v := range s.ranking {
		out[k] = v
	}
	return out
}

// LeadingCategory returns the category currently flagged as leader, if any.
func (s *Slot) LeadingCategory() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.ranking {
		if e.IsLeader {
			return name, true
		}
	}
	return "", false
}

// Winner returns the winning category of a resolved market. The winner is
// computed from the current ranking snapshot, not read back from the chain,
// so it is only meaningful while the post-resolution prices are still cached.
func (s *Slot) Winner() (string, bool) {
	if !s.market.Is(domain.MarketStatusResolved) {
		return "", false
	}
	return s.LeadingCategory()
}

// CanRedeem reports whether the slot's account holds any of the winning
// category token. Always false while the market is unresolved.
func (s *Slot) CanRedeem(ctx context.Context) (bool, error) {
	winner, ok := s.Winner()
	if !ok {
		return false, nil
	}
	bal, err := s.market.AccountBalance(ctx, s.account, winner)
	if err != nil {
		return false, fmt.Errorf("slot: redeem check for %q: %w", winner, err)
	}
	return bal.IsPositive(), nil
}

// ExchangeSession returns the memoized exchange session for the given
// direction and category index, creating and initializing it on first use.
func (s *Slot) ExchangeSession(ctx context.Context, dir Direction, category int) (*exchange.Session, error) {
	categories := s.market.Categories()
	if category < 0 || category >= len(categories) {
		return nil, fmt.Errorf("slot: category index %d out of range: %w", category, domain.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := exchangeKey{direction: dir, category: category}
	if sess, ok := s.exchanges[key]; ok {
		return sess, nil
	}

	opts := exchange.Options{
		FromAsset: domain.BaseAssetName,
		ToAsset:   categories[category],
	}
	if dir == DirectionSell {
		opts.FromAsset, opts.ToAsset = opts.ToAsset, opts.FromAsset
	}

	sess := exchange.NewSession(s.market, s.account, s.logger, opts)
	if err := sess.Init(ctx); err != nil {
		return nil, fmt.Errorf("slot: init %s session for %q: %w", dir, categories[category], err)
	}
	s.exchanges[key] = sess
	return sess, nil
}

// UpdateExchangeBalances refreshes user and pool balances on every existing
// exchange session that touches the given category. Sessions not yet created
// are skipped; they read fresh balances when first initialized.
func (s *Slot) UpdateExchangeBalances(ctx context.Context, category int) error {
	s.mu.Lock()
	sessions := make([]*exchange.Session, 0, 2)
	for _, dir := range []Direction{DirectionBuy, DirectionSell} {
		if sess, ok := s.exchanges[exchangeKey{direction: dir, category: category}]; ok {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.RefreshBalances(ctx); err != nil {
			return fmt.Errorf("slot: refresh exchange balances: %w", err)
		}
	}
	return nil
}
