// Package derby holds the root engine session: one market session per
// configured slot, chain-time tracking, and the per-slot trade state. The
// root is an explicit object handed to its consumers; there is no ambient
// process-wide session.
package derby

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derbylabs/derbybot/internal/domain"
	"github.com/derbylabs/derbybot/internal/market"
)

// User carries the persisted identity of the active user. Both fields are
// plain string identifiers owned by an external collaborator; the engine uses
// the account address only as a ranking/redemption input.
type User struct {
	AccountAddress string
	WalletID       string
}

// Config selects the markets the derby runs over.
type Config struct {
	// MarketIDs are the chain-level market identifiers, one per slot.
	MarketIDs []int64
	User      User
}

// Derby is the root session. Create with New, load with Initialize, and keep
// Run going for chain-time tracking.
type Derby struct {
	chain  domain.ChainReader
	blocks domain.BlockSubscriber
	logger *slog.Logger
	cfg    Config

	blockMs atomic.Int64

	markets []*market.Session
	slots   []*Slot
}

// New creates an uninitialized Derby. blocks may be nil; status derivation
// then falls back to wall time.
func New(chain domain.ChainReader, blocks domain.BlockSubscriber, logger *slog.Logger, cfg Config) (*Derby, error) {
	if len(cfg.MarketIDs) == 0 {
		return nil, fmt.Errorf("derby: config must list at least one market id")
	}
	return &Derby{
		chain:  chain,
		blocks: blocks,
		logger: logger.With(slog.String("component", "derby")),
		cfg:    cfg,
	}, nil
}

// NowMs returns the latest observed block timestamp in unix milliseconds,
// falling back to wall time until the first block arrives. Implements
// market.BlockClock.
func (d *Derby) NowMs() int64 {
	if ts := d.blockMs.Load(); ts != 0 {
		return ts
	}
	return time.Now().UnixMilli()
}

// Initialize loads every configured market concurrently and builds one slot
// per market. It must complete before Slots or Markets are used.
func (d *Derby) Initialize(ctx context.Context) error {
	if ts, err := d.chain.BlockTimestamp(ctx); err == nil {
		d.blockMs.Store(ts)
	}

	d.markets = make([]*market.Session, len(d.cfg.MarketIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range d.cfg.MarketIDs {
		g.Go(func() error {
			s := market.NewSession(d.chain, d, d.logger, id)
			if err := s.Init(gctx); err != nil {
				return err
			}
			d.markets[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("derby: initialize markets: %w", err)
	}

	d.slots = make([]*Slot, len(d.markets))
	for i, m := range d.markets {
		slot := newSlot(m, d.cfg.User.AccountAddress, d.logger)
		slot.RefreshRanking()
		d.slots[i] = slot
	}

	d.logger.InfoContext(ctx, "derby initialized",
		slog.Int("markets", len(d.markets)),
		slog.String("account", d.cfg.User.AccountAddress),
	)
	return nil
}

// resubscribeDelay paces retries after the block subscription drops. The
// chain client re-dials in the background with its own backoff, so each retry
// is a cheap subscription attempt against whatever connection exists.
const resubscribeDelay = 2 * time.Second

// Run keeps the block clock current until the context is cancelled. A dropped
// subscription is re-established rather than surfaced; the clock serves stale
// block time in the meantime.
func (d *Derby) Run(ctx context.Context) error {
	if d.blocks == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	heads, err := d.blocks.SubscribeBlocks(ctx)
	if err != nil {
		return fmt.Errorf("derby: subscribe blocks: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts, ok := <-heads:
			if !ok {
				heads, err = d.resubscribe(ctx)
				if err != nil {
					return err
				}
				continue
			}
			d.blockMs.Store(ts)
		}
	}
}

// resubscribe re-opens the block subscription after a disconnect, retrying
// until it succeeds or the context is cancelled.
func (d *Derby) resubscribe(ctx context.Context) (<-chan int64, error) {
	d.logger.WarnContext(ctx, "block subscription lost, resubscribing")

	for {
		heads, err := d.blocks.SubscribeBlocks(ctx)
		if err == nil {
			d.logger.InfoContext(ctx, "block subscription restored")
			return heads, nil
		}
		d.logger.WarnContext(ctx, "block resubscribe failed",
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

// Markets returns the loaded market sessions in slot order.
func (d *Derby) Markets() []*market.Session {
	return d.markets
}

// Slots returns the per-market slots in order.
func (d *Derby) Slots() []*Slot {
	return d.slots
}

// Slot returns the slot at the given index.
func (d *Derby) Slot(i int) *Slot {
	return d.slots[i]
}

// User returns the active user identity.
func (d *Derby) User() User {
	return d.cfg.User
}
