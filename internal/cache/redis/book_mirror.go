package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// bookTTL expires mirrored books when the engine stops writing them.
const bookTTL = 2 * time.Minute

// mirrorDepth is the number of levels per side kept in the mirror.
const mirrorDepth = 10

// BookMirror implements domain.BookMirror with one hash per instrument.
//
// Key schema:
//
//	{prefix}book:{assetID}:bbo   - hash with "bid", "ask", "mid", "ts"
//	{prefix}book:{assetID}:depth - hash with "bids" and "asks" as JSON level arrays
type BookMirror struct {
	c *Client
}

// NewBookMirror creates a BookMirror backed by the given Client.
func NewBookMirror(c *Client) *BookMirror {
	return &BookMirror{c: c}
}

func (m *BookMirror) bboKey(assetID string) string   { return m.c.Key("book", assetID, "bbo") }
func (m *BookMirror) depthKey(assetID string) string { return m.c.Key("book", assetID, "depth") }

// SetSnapshot replaces the mirrored top of book for snap.AssetID.
func (m *BookMirror) SetSnapshot(ctx context.Context, snap domain.OrderbookSnapshot) error {
	bids, err := json.Marshal(topLevels(snap.Bids))
	if err != nil {
		return fmt.Errorf("redis: marshal bids %s: %w", snap.AssetID, err)
	}
	asks, err := json.Marshal(topLevels(snap.Asks))
	if err != nil {
		return fmt.Errorf("redis: marshal asks %s: %w", snap.AssetID, err)
	}

	bboKey, depthKey := m.bboKey(snap.AssetID), m.depthKey(snap.AssetID)
	rdb := m.c.Underlying()

	pipe := rdb.TxPipeline()
	pipe.Del(ctx, bboKey, depthKey)
	pipe.HSet(ctx, bboKey, bboFields(snap)...)
	pipe.HSet(ctx, depthKey, "bids", bids, "asks", asks)
	pipe.Expire(ctx, bboKey, bookTTL)
	pipe.Expire(ctx, depthKey, bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.AssetID, err)
	}
	return nil
}

// GetBBO returns the mirrored best bid and ask. It returns domain.ErrNotFound
// when nothing is mirrored for assetID.
func (m *BookMirror) GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error) {
	vals, err := m.c.Underlying().HGetAll(ctx, m.bboKey(assetID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, domain.ErrNotFound
		}
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", assetID, err)
	}
	return parseBBO(assetID, vals)
}

func bboFields(snap domain.OrderbookSnapshot) []any {
	return []any{
		"bid", formatFloat(snap.BestBid),
		"ask", formatFloat(snap.BestAsk),
		"mid", formatFloat(snap.MidPrice),
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	}
}

func parseBBO(assetID string, vals map[string]string) (bestBid, bestAsk float64, err error) {
	if len(vals) == 0 {
		return 0, 0, domain.ErrNotFound
	}
	if bestBid, err = strconv.ParseFloat(vals["bid"], 64); err != nil {
		return 0, 0, fmt.Errorf("redis: bbo %s bid: %w", assetID, err)
	}
	if bestAsk, err = strconv.ParseFloat(vals["ask"], 64); err != nil {
		return 0, 0, fmt.Errorf("redis: bbo %s ask: %w", assetID, err)
	}
	return bestBid, bestAsk, nil
}

func topLevels(levels []domain.PriceLevel) []domain.PriceLevel {
	if len(levels) > mirrorDepth {
		return levels[:mirrorDepth]
	}
	return levels
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compile-time interface check.
var _ domain.BookMirror = (*BookMirror)(nil)
