package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/derbylabs/derbybot/internal/derby"
	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/market"
)

// priceStream is the durable Redis stream every snapshot is appended to.
const priceStream = "derby:price-stream"

// PriceService fans each price snapshot out to the external surfaces: the
// Redis mirror, the Postgres history, and the signal bus. The in-process
// session cache stays authoritative; every sink here is best effort and a
// sink failure never interrupts price tracking.
type PriceService struct {
	mirror  domain.PriceMirror
	history domain.PriceHistoryStore
	bus     domain.SignalBus
	logger  *slog.Logger
}

// NewPriceService creates a PriceService. Any of mirror, history, and bus may
// be nil; the corresponding sink is skipped.
func NewPriceService(
	mirror domain.PriceMirror,
	history domain.PriceHistoryStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		mirror:  mirror,
		history: history,
		bus:     bus,
		logger:  logger.With(slog.String("component", "price_service")),
	}
}

// RunSlot subscribes to periodic price refreshes for one slot and consumes
// snapshots until the context is cancelled. Each snapshot first updates the
// slot's ranking, then fans out to the sinks. Returns nil immediately for
// markets without a pool.
func (s *PriceService) RunSlot(ctx context.Context, slot *derby.Slot, interval time.Duration) error {
	sub := slot.Market().PeriodicPriceUpdate(interval)
	if sub == nil {
		s.logger.InfoContext(ctx, "market has no pool, price tracking skipped",
			slog.Int64("market_id", slot.Market().ID()),
		)
		return nil
	}
	defer sub.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			slot.ApplyRanking(snap.ZtgPrices)
			s.HandleSnapshot(ctx, slot.Market().ID(), snap)
		}
	}
}

// HandleSnapshot mirrors, persists, and publishes one full snapshot. Sink
// failures are logged and swallowed.
func (s *PriceService) HandleSnapshot(ctx context.Context, marketID int64, snap market.PriceSnapshot) {
	points := make(map[string]domain.PricePoint, len(snap.ZtgPrices))
	for category, ztg := range snap.ZtgPrices {
		points[category] = domain.PricePoint{
			Ztg:   ztg,
			Asset: snap.AssetPrices[category],
			At:    snap.At,
		}
	}

	if s.mirror != nil {
		if err := s.mirror.SetAll(ctx, marketID, points); err != nil {
			s.logger.WarnContext(ctx, "mirror update failed",
				slog.Int64("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.history != nil {
		rows := make([]domain.PriceSnapshotRow, 0, len(points))
		for category, p := range points {
			rows = append(rows, domain.PriceSnapshotRow{
				MarketID:   marketID,
				Category:   category,
				ZtgPrice:   p.Ztg,
				AssetPrice: p.Asset,
				CreatedAt:  p.At,
			})
		}
		if err := s.history.InsertBatch(ctx, rows); err != nil {
			s.logger.WarnContext(ctx, "history insert failed",
				slog.Int64("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus != nil {
		s.publish(ctx, marketID, points)
	}
}

func (s *PriceService) publish(ctx context.Context, marketID int64, points map[string]domain.PricePoint) {
	prices := make(map[string]string, len(points))
	var at time.Time
	for category, p := range points {
		prices[category] = p.Ztg.String()
		at = p.At
	}
	evt, _ := json.Marshal(map[string]any{
		"event":     "prices_refreshed",
		"market_id": marketID,
		"prices":    prices,
		"timestamp": at.Format(time.RFC3339Nano),
	})

	channel := fmt.Sprintf("derby:prices:%d", marketID)
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, priceStream, evt); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", priceStream),
			slog.String("error", err.Error()),
		)
	}
}

// Mirrored returns the externally visible prices for one market. Intended for
// out-of-process consumers that cannot reach the session cache.
func (s *PriceService) Mirrored(ctx context.Context, marketID int64, categories []string) (map[string]domain.PricePoint, error) {
	if s.mirror == nil {
		return nil, fmt.Errorf("price_service: no mirror configured")
	}
	points, err := s.mirror.GetPrices(ctx, marketID, categories)
	if err != nil {
		return nil, fmt.Errorf("price_service: get mirrored prices: %w", err)
	}
	return points, nil
}
