package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/derby"
	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/notify"
)

// TradeOptions tunes the protective bounds of a submitted swap.
type TradeOptions struct {
	// SlippagePct widens the acceptable execution window: the minimum output
	// is lowered and the maximum price raised by this percentage.
	SlippagePct decimal.Decimal
}

// TradeService turns a prepared exchange session into an on-chain swap and
// keeps the engine state consistent afterwards: a successful trade refreshes
// the market's prices and the slot's balances and clears the pending amounts.
type TradeService struct {
	submitter   domain.TradeSubmitter
	settlements domain.SettlementStore
	notifier    *notify.Notifier
	logger      *slog.Logger
}

// NewTradeService creates a TradeService. settlements and notifier may be
// nil; recording and alerting are then skipped.
func NewTradeService(
	submitter domain.TradeSubmitter,
	settlements domain.SettlementStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		submitter:   submitter,
		settlements: settlements,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "trade_service")),
	}
}

// Execute submits the pending trade of the slot's exchange session for the
// given direction and category, then blocks until the chain reports a
// terminal status. The session's FromAmount must be set; the output side is
// quoted if the caller left it empty.
func (s *TradeService) Execute(ctx context.Context, slot *derby.Slot, dir derby.Direction, category int, opts TradeOptions) error {
	sess, err := slot.ExchangeSession(ctx, dir, category)
	if err != nil {
		return fmt.Errorf("trade_service: session: %w", err)
	}

	m := sess.Market()
	categories := m.Categories()
	if category < 0 || category >= len(categories) {
		return fmt.Errorf("trade_service: category index %d out of range", category)
	}

	fromAmount := sess.FromAmount()
	if fromAmount.IsZero() {
		return fmt.Errorf("trade_service: no input amount set")
	}

	// Refresh the traded category right before quoting so the submitted
	// bounds reflect the freshest price.
	if err := m.UpdatePrices(ctx, categories[category]); err != nil {
		return fmt.Errorf("trade_service: refresh price: %w", err)
	}

	toAmount := sess.ToAmount()
	if toAmount.IsZero() {
		if toAmount, err = sess.AmountOut(); err != nil {
			return fmt.Errorf("trade_service: quote output: %w", err)
		}
	}

	slip := opts.SlippagePct.Div(decimal.NewFromInt(100))
	minOut := toAmount.Mul(decimal.NewFromInt(1).Sub(slip))
	maxPrice := sess.SpotPrice().Mul(decimal.NewFromInt(1).Add(slip))

	pool := m.Pool()
	if pool == nil {
		return fmt.Errorf("trade_service: %w", domain.ErrPoolUnavailable)
	}

	intent := domain.SwapIntent{
		ID:           uuid.New().String(),
		MarketID:     m.ID(),
		PoolID:       pool.ID,
		Account:      sess.Account(),
		AssetIn:      sess.FromAsset(),
		AmountIn:     fromAmount.Mul(domain.ZTG),
		AssetOut:     sess.ToAsset(),
		MinAmountOut: minOut.Mul(domain.ZTG),
		MaxPrice:     maxPrice.Mul(domain.ZTG),
	}

	s.logger.InfoContext(ctx, "submitting swap",
		slog.String("intent_id", intent.ID),
		slog.Int64("market_id", intent.MarketID),
		slog.String("asset_in", intent.AssetIn.Name),
		slog.String("asset_out", intent.AssetOut.Name),
		slog.String("amount_in", fromAmount.String()),
	)

	events, err := s.submitter.SubmitSwap(ctx, intent)
	if err != nil {
		return fmt.Errorf("trade_service: submit swap %s: %w", intent.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("trade_service: swap %s: status stream ended without a terminal event", intent.ID)
			}
			switch event.Status {
			case domain.TradeBroadcast:
				s.logger.InfoContext(ctx, "swap broadcast", slog.String("intent_id", event.IntentID))

			case domain.TradeSuccess:
				s.settleSuccess(ctx, slot, sess.Market().ID(), category)
				s.notify(ctx, "trade", "Trade executed",
					fmt.Sprintf("Swapped %s %s for %s on market %d",
						fromAmount.String(), intent.AssetIn.Name, intent.AssetOut.Name, intent.MarketID))
				_ = sess.SetFromAmount("")
				_ = sess.SetToAmount("")
				return nil

			case domain.TradeFailed:
				s.notify(ctx, "trade", "Trade failed",
					fmt.Sprintf("Swap on market %d failed: %s", intent.MarketID, event.Err))
				return fmt.Errorf("trade_service: swap %s failed: %s", intent.ID, event.Err)
			}
		}
	}
}

// settleSuccess refreshes every cache a completed trade invalidates. Refresh
// failures are logged; the trade itself already succeeded.
func (s *TradeService) settleSuccess(ctx context.Context, slot *derby.Slot, marketID int64, category int) {
	if err := slot.Market().FetchPrices(ctx); err != nil {
		s.logger.WarnContext(ctx, "post-trade price refresh failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	slot.RefreshRanking()
	if err := slot.UpdateExchangeBalances(ctx, category); err != nil {
		s.logger.WarnContext(ctx, "post-trade balance refresh failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// RecordSettlement persists the winner of a resolved market and alerts
// operators. Returns domain.ErrNoPrice when the slot has no leader to record.
func (s *TradeService) RecordSettlement(ctx context.Context, slot *derby.Slot) error {
	winner, ok := slot.Winner()
	if !ok {
		return fmt.Errorf("trade_service: market %d has no winner yet: %w", slot.Market().ID(), domain.ErrNoPrice)
	}

	price, err := slot.Market().ZtgPrice(winner)
	if err != nil {
		return fmt.Errorf("trade_service: winner price: %w", err)
	}

	if s.settlements != nil {
		settlement := domain.Settlement{
			MarketID:   slot.Market().ID(),
			Winner:     winner,
			Price:      price.InexactFloat64(),
			ResolvedAt: time.Now(),
		}
		if err := s.settlements.Upsert(ctx, settlement); err != nil {
			return fmt.Errorf("trade_service: record settlement: %w", err)
		}
	}

	s.notify(ctx, "resolution", "Market resolved",
		fmt.Sprintf("Market %d resolved, winner %s at %s", slot.Market().ID(), winner, price.String()))
	return nil
}

func (s *TradeService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
