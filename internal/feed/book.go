package feed

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// ErrNoBase is returned when an incremental update arrives for an instrument
// that has no valid full book yet.
var ErrNoBase = errors.New("feed: update before book")

// levels maps price to size for one side of a book.
type levels map[float64]float64

type book struct {
	bids levels
	asks levels
}

// BookCache is the local replica of every subscribed instrument's order
// book. Mutating methods must only be called from the owning feed task;
// Snapshot may be called from any goroutine and returns immutable values.
type BookCache struct {
	books map[string]*book // owned by the writer, never locked

	mu        sync.RWMutex
	published map[string]domain.OrderbookSnapshot
}

// NewBookCache creates an empty cache.
func NewBookCache() *BookCache {
	return &BookCache{
		books:     make(map[string]*book),
		published: make(map[string]domain.OrderbookSnapshot),
	}
}

// ApplySnapshot replaces the book for snap.AssetID with the levels in snap
// and publishes the derived snapshot. Zero-size levels are ignored. A
// crossed result drops the book and returns domain.ErrProtocol.
func (c *BookCache) ApplySnapshot(snap domain.OrderbookSnapshot) (domain.OrderbookSnapshot, error) {
	b := &book{bids: make(levels, len(snap.Bids)), asks: make(levels, len(snap.Asks))}
	for _, l := range snap.Bids {
		if err := b.bids.set(l.Price, l.Size); err != nil {
			c.Drop(snap.AssetID)
			return domain.OrderbookSnapshot{}, fmt.Errorf("%w: book %s: %v", domain.ErrProtocol, snap.AssetID, err)
		}
	}
	for _, l := range snap.Asks {
		if err := b.asks.set(l.Price, l.Size); err != nil {
			c.Drop(snap.AssetID)
			return domain.OrderbookSnapshot{}, fmt.Errorf("%w: book %s: %v", domain.ErrProtocol, snap.AssetID, err)
		}
	}
	c.books[snap.AssetID] = b
	return c.publish(snap.AssetID, b, snap.Timestamp)
}

// ApplyChanges applies a batch of level updates in order. Every instrument
// touched by the batch is re-published once at the end. Changes for
// instruments without a base book are skipped and reported through the
// returned error, which wraps ErrNoBase and domain.ErrProtocol.
func (c *BookCache) ApplyChanges(changes []domain.PriceChange) ([]domain.OrderbookSnapshot, error) {
	var (
		touched []string
		ts      = make(map[string]time.Time)
		errs    []error
	)
	for _, ch := range changes {
		b, ok := c.books[ch.AssetID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %w: %s", domain.ErrProtocol, ErrNoBase, ch.AssetID))
			continue
		}
		side := b.bids
		if ch.Side == "SELL" {
			side = b.asks
		}
		if err := side.set(ch.Price, ch.Size); err != nil {
			c.Drop(ch.AssetID)
			errs = append(errs, fmt.Errorf("%w: change %s: %v", domain.ErrProtocol, ch.AssetID, err))
			continue
		}
		if _, seen := ts[ch.AssetID]; !seen {
			touched = append(touched, ch.AssetID)
		}
		ts[ch.AssetID] = ch.Timestamp
	}

	out := make([]domain.OrderbookSnapshot, 0, len(touched))
	for _, id := range touched {
		b, ok := c.books[id]
		if !ok {
			continue // dropped later in the batch
		}
		snap, err := c.publish(id, b, ts[id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, snap)
	}
	return out, errors.Join(errs...)
}

// Drop forgets the book for assetID. Later increments are rejected until a
// new full book arrives.
func (c *BookCache) Drop(assetID string) {
	delete(c.books, assetID)
	c.mu.Lock()
	delete(c.published, assetID)
	c.mu.Unlock()
}

// Reset drops every book.
func (c *BookCache) Reset() {
	clear(c.books)
	c.mu.Lock()
	clear(c.published)
	c.mu.Unlock()
}

// Has reports whether assetID has a valid base book.
func (c *BookCache) Has(assetID string) bool {
	_, ok := c.books[assetID]
	return ok
}

// Snapshot returns the latest published snapshot for assetID.
func (c *BookCache) Snapshot(assetID string) (domain.OrderbookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.published[assetID]
	return snap, ok
}

// publish derives a sorted snapshot from b. A crossed book is dropped.
func (c *BookCache) publish(assetID string, b *book, ts time.Time) (domain.OrderbookSnapshot, error) {
	snap := domain.OrderbookSnapshot{
		AssetID:   assetID,
		Bids:      b.bids.sorted(true),
		Asks:      b.asks.sorted(false),
		Timestamp: ts,
	}
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	if snap.Crossed() {
		c.Drop(assetID)
		return domain.OrderbookSnapshot{}, fmt.Errorf("%w: crossed book %s: bid %.4f >= ask %.4f",
			domain.ErrProtocol, assetID, snap.BestBid, snap.BestAsk)
	}
	if snap.HasBothSides() {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}

	c.mu.Lock()
	c.published[assetID] = snap
	c.mu.Unlock()
	return snap, nil
}

func (l levels) set(price, size float64) error {
	switch {
	case price < 0 || price > 1:
		return fmt.Errorf("price %v out of range", price)
	case size < 0:
		return fmt.Errorf("negative size %v at %v", size, price)
	case size == 0:
		delete(l, price)
	default:
		l[price] = size
	}
	return nil
}

func (l levels) sorted(desc bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(l))
	for p, s := range l {
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
