package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/derbylabs/derbybot/internal/derby"
	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/service"
)

const (
	// commandChannel is the Redis pub/sub channel trade commands arrive on.
	commandChannel = "derby:commands"
	// archiveLockKey guards the history sweep across processes.
	archiveLockKey = "archive"
	archiveLockTTL = 10 * time.Minute
	// archiveSweepInterval is how often full mode re-runs the history sweep.
	archiveSweepInterval = 24 * time.Hour
)

// WatchMode follows the configured markets read-only: block time tracking,
// periodic price refresh with fan-out to Redis and Postgres, and settlement
// recording once a market resolves.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")
	return a.runEngine(ctx, deps, false)
}

// TradeMode runs everything WatchMode does and additionally consumes trade
// commands from the signal bus, executing them as on-chain swaps.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runEngine(ctx, deps, true)
}

// FullMode combines trade mode with a periodic history sweep to blob storage.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runEngine(ctx, deps, true)
	})
	g.Go(func() error {
		return a.archiveLoop(ctx, deps)
	})
	return g.Wait()
}

// ArchiveMode performs a single history sweep and exits. It is intended to be
// run from a scheduler; the distributed lock keeps overlapping invocations
// from sweeping twice.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	return a.runArchive(ctx, deps)
}

// runEngine initializes the derby over the configured markets and runs its
// long-lived goroutines until the context is cancelled.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, trading bool) error {
	d, err := derby.New(deps.Chain, deps.Chain, a.logger, derby.Config{
		MarketIDs: a.cfg.Derby.MarketIDs,
		User: derby.User{
			AccountAddress: a.cfg.Derby.AccountAddress,
			WalletID:       a.cfg.Derby.WalletID,
		},
	})
	if err != nil {
		return fmt.Errorf("app: create derby: %w", err)
	}
	if err := d.Initialize(ctx); err != nil {
		return fmt.Errorf("app: initialize derby: %w", err)
	}

	priceSvc := service.NewPriceService(deps.PriceMirror, deps.PriceHistory, deps.SignalBus, a.logger)
	tradeSvc := service.NewTradeService(deps.Chain, deps.Settlements, deps.Notifier, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	// Block time tracking.
	g.Go(func() error {
		return d.Run(ctx)
	})

	// One price refresh loop per slot.
	interval := a.cfg.Derby.RefreshInterval.Duration
	for _, slot := range d.Slots() {
		slot := slot
		g.Go(func() error {
			return priceSvc.RunSlot(ctx, slot, interval)
		})
	}

	// Settlement recording on resolution.
	g.Go(func() error {
		return a.watchResolutions(ctx, d, deps, tradeSvc, interval)
	})

	if trading {
		g.Go(func() error {
			return a.consumeCommands(ctx, d, deps, tradeSvc)
		})
	}

	return g.Wait()
}

// watchResolutions polls market status and records a settlement the first time
// each market reaches Resolved.
func (a *App) watchResolutions(
	ctx context.Context,
	d *derby.Derby,
	deps *Dependencies,
	tradeSvc *service.TradeService,
	interval time.Duration,
) error {
	// Seed from prior runs so restarts do not re-announce old resolutions.
	recorded := make(map[int64]bool)
	for _, slot := range d.Slots() {
		id := slot.Market().ID()
		if _, err := deps.Settlements.GetByMarket(ctx, id); err == nil {
			recorded[id] = true
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, slot := range d.Slots() {
				m := slot.Market()
				if recorded[m.ID()] {
					continue
				}
				if err := m.RefreshInfo(ctx); err != nil {
					a.logger.WarnContext(ctx, "market refresh failed",
						slog.Int64("market_id", m.ID()),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !m.Is(domain.MarketStatusResolved) {
					continue
				}
				if err := tradeSvc.RecordSettlement(ctx, slot); err != nil {
					a.logger.WarnContext(ctx, "settlement recording failed",
						slog.Int64("market_id", m.ID()),
						slog.String("error", err.Error()),
					)
					continue
				}
				recorded[m.ID()] = true
			}
		}
	}
}

// tradeCommand is the payload accepted on the command channel.
type tradeCommand struct {
	MarketID  int64  `json:"market_id"`
	Direction string `json:"direction"` // "buy" or "sell"
	Category  int    `json:"category"`
	Amount    string `json:"amount"` // input amount in display units
}

// consumeCommands subscribes to the command channel and executes each trade
// command against the matching slot. Malformed or unmatchable commands are
// logged and dropped; execution errors do not stop the loop.
func (a *App) consumeCommands(
	ctx context.Context,
	d *derby.Derby,
	deps *Dependencies,
	tradeSvc *service.TradeService,
) error {
	msgs, err := deps.SignalBus.Subscribe(ctx, commandChannel)
	if err != nil {
		return fmt.Errorf("app: subscribe commands: %w", err)
	}

	slots := make(map[int64]*derby.Slot, len(d.Slots()))
	for _, slot := range d.Slots() {
		slots[slot.Market().ID()] = slot
	}

	opts := service.TradeOptions{
		SlippagePct: decimal.NewFromFloat(a.cfg.Derby.SlippagePct),
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return fmt.Errorf("app: command subscription closed")
			}

			var cmd tradeCommand
			if err := json.Unmarshal(payload, &cmd); err != nil {
				a.logger.WarnContext(ctx, "malformed trade command",
					slog.String("error", err.Error()),
				)
				continue
			}

			slot, ok := slots[cmd.MarketID]
			if !ok {
				a.logger.WarnContext(ctx, "trade command for unknown market",
					slog.Int64("market_id", cmd.MarketID),
				)
				continue
			}

			dir := derby.DirectionBuy
			if cmd.Direction == "sell" {
				dir = derby.DirectionSell
			}

			sess, err := slot.ExchangeSession(ctx, dir, cmd.Category)
			if err != nil {
				a.logger.WarnContext(ctx, "trade command rejected",
					slog.Int64("market_id", cmd.MarketID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := sess.SetFromAmount(cmd.Amount); err != nil {
				a.logger.WarnContext(ctx, "trade command has bad amount",
					slog.String("amount", cmd.Amount),
					slog.String("error", err.Error()),
				)
				continue
			}

			if err := tradeSvc.Execute(ctx, slot, dir, cmd.Category, opts); err != nil {
				a.logger.ErrorContext(ctx, "trade execution failed",
					slog.Int64("market_id", cmd.MarketID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archiveLoop re-runs the history sweep on a fixed schedule.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.runArchive(ctx, deps); err != nil {
				a.logger.WarnContext(ctx, "history sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runArchive sweeps price snapshots older than the retention window to blob
// storage under a distributed lock, optionally deleting the swept rows.
func (a *App) runArchive(ctx context.Context, deps *Dependencies) error {
	unlock, err := deps.Locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "history sweep already running elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("app: archive lock: %w", err)
	}
	defer unlock()

	cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	archived, err := deps.Archiver.ArchivePrices(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive prices: %w", err)
	}

	if archived > 0 && a.cfg.Archive.DeleteAfterArchive {
		deleted, err := deps.PriceHistory.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("app: delete archived prices: %w", err)
		}
		a.logger.InfoContext(ctx, "archived rows deleted",
			slog.Int64("rows", deleted),
		)
	}

	a.logger.InfoContext(ctx, "history sweep complete",
		slog.Int64("archived", archived),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
