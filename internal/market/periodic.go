package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is one full refresh result delivered to periodic subscribers.
// The maps are private copies; subscribers may retain them.
type PriceSnapshot struct {
	ZtgPrices   map[string]decimal.Decimal
	AssetPrices map[string]decimal.Decimal
	At          time.Time
}

// PriceSubscription is a running periodic refresh. Polling continues until
// Stop is called; it is never bound implicitly to any other lifetime.
type PriceSubscription struct {
	// C delivers the latest snapshot. Only the most recent undelivered
	// snapshot is kept; slow consumers see the freshest result, not a
	// backlog. C is closed after Stop once in-flight fetches have drained.
	C <-chan PriceSnapshot

	cancel context.CancelFunc
	once   sync.Once
}

// Stop halts the polling timer. Any fetch still in flight is discarded: its
// result is neither applied to the session cache nor delivered on C.
func (p *PriceSubscription) Stop() {
	p.once.Do(p.cancel)
}

// PeriodicPriceUpdate starts a full price refresh once per interval and
// returns the subscription, or nil when the market has no pool.
//
// There is no backpressure: when a refresh has not resolved by the next tick,
// the next refresh still starts. Concurrent in-flight fetches are allowed and
// the last one to resolve wins, both in the session cache and on the
// subscription channel, regardless of issue order. A slow full refresh can
// therefore overwrite a newer single-category update; that window is accepted
// behavior, not a bug to serialize away.
func (s *Session) PeriodicPriceUpdate(interval time.Duration) *PriceSubscription {
	if s.Pool() == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan PriceSnapshot, 1)
	sub := &PriceSubscription{C: ch, cancel: cancel}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var inflight sync.WaitGroup
		defer func() {
			inflight.Wait()
			close(ch)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					s.refreshOnce(ctx, ch)
				}()
			}
		}
	}()

	return sub
}

// refreshOnce runs one full recompute and, unless the subscription was
// stopped while it was in flight, applies the result to the cache and
// delivers it on ch.
func (s *Session) refreshOnce(ctx context.Context, ch chan PriceSnapshot) {
	ztg, asset, err := s.computeAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "periodic price refresh failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		// Stopped while the fetch was in flight: discard, do not apply.
		s.mu.Unlock()
		return
	}
	s.ztgPrices = copyPrices(ztg)
	s.assetPrices = copyPrices(asset)
	s.mu.Unlock()

	snap := PriceSnapshot{ZtgPrices: ztg, AssetPrices: asset, At: time.Now()}
	for {
		select {
		case ch <- snap:
			return
		case <-ctx.Done():
			return
		default:
			// Channel full: drop the stale pending snapshot and retry.
			select {
			case <-ch:
			default:
			}
		}
	}
}
