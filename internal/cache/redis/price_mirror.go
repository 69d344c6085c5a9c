package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/domain"
)

// PriceMirror implements domain.PriceMirror using Redis hashes. Each category
// price is stored at "derby:price:{marketID}:{category}" with fields "ztg",
// "asset" and "ts" (Unix nanosecond timestamp). The mirror is write-through:
// the engine never reads its own prices back from here.
type PriceMirror struct {
	rdb *redis.Client
}

// NewPriceMirror creates a PriceMirror backed by the given Client.
func NewPriceMirror(c *Client) *PriceMirror {
	return &PriceMirror{rdb: c.Underlying()}
}

func mirrorKey(marketID int64, category string) string {
	return fmt.Sprintf("derby:price:%d:%s", marketID, category)
}

func pointFields(p domain.PricePoint) map[string]interface{} {
	return map[string]interface{}{
		"ztg":   p.Ztg.String(),
		"asset": p.Asset.String(),
		"ts":    strconv.FormatInt(p.At.UnixNano(), 10),
	}
}

// SetPrice stores the dual price of one category.
func (pm *PriceMirror) SetPrice(ctx context.Context, marketID int64, category string, p domain.PricePoint) error {
	key := mirrorKey(marketID, category)
	if err := pm.rdb.HSet(ctx, key, pointFields(p)).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// SetAll stores a full snapshot for one market using a pipeline.
func (pm *PriceMirror) SetAll(ctx context.Context, marketID int64, points map[string]domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	pipe := pm.rdb.Pipeline()
	for category, p := range points {
		pipe.HSet(ctx, mirrorKey(marketID, category), pointFields(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prices of market %d: %w", marketID, err)
	}
	return nil
}

// GetPrices retrieves the mirrored prices for the given categories using a
// pipeline. Categories without a mirrored price are omitted from the result.
func (pm *PriceMirror) GetPrices(ctx context.Context, marketID int64, categories []string) (map[string]domain.PricePoint, error) {
	if len(categories) == 0 {
		return map[string]domain.PricePoint{}, nil
	}

	pipe := pm.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(categories))
	for _, category := range categories {
		cmds[category] = pipe.HGetAll(ctx, mirrorKey(marketID, category))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices of market %d: %w", marketID, err)
	}

	result := make(map[string]domain.PricePoint, len(categories))
	for category, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		point, err := parsePoint(vals)
		if err != nil {
			continue
		}
		result[category] = point
	}
	return result, nil
}

func parsePoint(vals map[string]string) (domain.PricePoint, error) {
	ztg, err := decimal.NewFromString(vals["ztg"])
	if err != nil {
		return domain.PricePoint{}, err
	}
	asset, err := decimal.NewFromString(vals["asset"])
	if err != nil {
		return domain.PricePoint{}, err
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PricePoint{}, err
	}
	return domain.PricePoint{Ztg: ztg, Asset: asset, At: time.Unix(0, tsNano)}, nil
}

// Compile-time interface check.
var _ domain.PriceMirror = (*PriceMirror)(nil)
