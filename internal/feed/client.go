package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/metrics"
	"github.com/alanyoungcy/flashbot/internal/platform/polymarket"
)

// Transport is the streaming connection the client reads from.
// *polymarket.WSClient implements it.
type Transport interface {
	Run(ctx context.Context, out chan<- polymarket.Event) error
	SetAssets(ids []string) error
	Resubscribe(ids []string) error
}

// ClientConfig configures a Client. Zero values fall back to defaults.
type ClientConfig struct {
	// MaxProtocolErrors is the number of consecutive protocol errors after
	// which Run gives up with domain.ErrFeedFatal.
	MaxProtocolErrors int
	// EventBuffer sizes both the transport channel and the sample channel.
	EventBuffer int
	Logger      *slog.Logger
	// Mirror, when set, receives every published snapshot.
	Mirror *Mirror
}

// Client turns the transport's message stream into per-instrument books and
// a stream of mid-price samples. Run is the only writer of the book cache.
type Client struct {
	transport Transport
	cfg       ClientConfig
	logger    *slog.Logger
	books     *BookCache
	samples   chan domain.MidPriceSample
	dropped   atomic.Int64

	mu      sync.RWMutex
	tracked map[string]domain.Side
	gen     uint64

	// Owned by the Run task.
	seenGen    uint64
	epochs     map[string]uint64
	lastTS     map[string]time.Time
	pending    map[string]bool // resubscribed, waiting for a full book
	protoErrs  int
	reconnects int64
}

// NewClient creates a feed client over transport.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = 5
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "feed")),
		books:     NewBookCache(),
		samples:   make(chan domain.MidPriceSample, cfg.EventBuffer),
		tracked:   make(map[string]domain.Side),
		epochs:    make(map[string]uint64),
		lastTS:    make(map[string]time.Time),
		pending:   make(map[string]bool),
	}
}

// Samples is the ordered stream of mid-price samples. When the consumer
// falls behind, the oldest queued sample is discarded.
func (c *Client) Samples() <-chan domain.MidPriceSample {
	return c.samples
}

// Dropped returns how many samples were discarded on a full queue.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Subscribe replaces the tracked instrument set. Books are discarded and
// rebuilt from the next full snapshot of each instrument.
func (c *Client) Subscribe(ctx context.Context, ids []string) error {
	sides := make(map[string]domain.Side, len(ids))
	for _, id := range ids {
		sides[id] = ""
	}
	return c.subscribe(ctx, sides)
}

// SubscribeInstrument tracks both outcome tokens of inst so samples carry
// the UP/DOWN side.
func (c *Client) SubscribeInstrument(ctx context.Context, inst domain.Instrument) error {
	return c.subscribe(ctx, map[string]domain.Side{
		inst.UpTokenID:   domain.SideUp,
		inst.DownTokenID: domain.SideDown,
	})
}

func (c *Client) subscribe(ctx context.Context, sides map[string]domain.Side) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]string, 0, len(sides))
	for id := range sides {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	c.mu.Lock()
	c.tracked = sides
	c.gen++
	c.mu.Unlock()

	if err := c.transport.SetAssets(ids); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	c.logger.InfoContext(ctx, "subscribed", slog.Any("assets", ids))
	return nil
}

// LatestSnapshot returns the most recent consistent book for id.
func (c *Client) LatestSnapshot(id string) (domain.OrderbookSnapshot, bool) {
	return c.books.Snapshot(id)
}

// Run drives the transport and applies its messages until ctx is cancelled
// or the feed fails fatally.
func (c *Client) Run(ctx context.Context) error {
	events := make(chan polymarket.Event, c.cfg.EventBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.transport.Run(gctx, events)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev := <-events:
				if err := c.handle(gctx, ev); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, domain.ErrFeedFatal) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) handle(ctx context.Context, ev polymarket.Event) error {
	c.syncGeneration()

	switch ev.Kind {
	case polymarket.EventConnected:
		metrics.IncFeedMessage("connected")
		if c.reconnects > 0 {
			metrics.IncFeedReconnect()
		}
		c.reconnects++
		c.books.Reset()
		clear(c.pending)
		return nil

	case polymarket.EventBook:
		metrics.IncFeedMessage("book")
		if !c.isTracked(ev.AssetID) {
			return nil
		}
		// The server re-sends full books on a live subscription; only a book
		// that rebuilds a dropped or reset one starts a new epoch.
		rebuilt := !c.books.Has(ev.AssetID)
		snap, err := c.books.ApplySnapshot(ev.Book)
		if err != nil {
			return c.protocolError(ctx, err, ev.AssetID)
		}
		delete(c.pending, ev.AssetID)
		if rebuilt {
			c.epochs[ev.AssetID]++
		}
		c.protoErrs = 0
		c.publish(snap, ev.Received)
		return nil

	case polymarket.EventPriceChange:
		metrics.IncFeedMessage("price_change")
		return c.applyChanges(ctx, ev)

	case polymarket.EventLastTrade:
		metrics.IncFeedMessage("last_trade_price")
		return nil

	case polymarket.EventProtocolError:
		metrics.IncFeedMessage("protocol_error")
		return c.protocolError(ctx, ev.Err, ev.AssetID)
	}
	return nil
}

func (c *Client) applyChanges(ctx context.Context, ev polymarket.Event) error {
	changes := make([]domain.PriceChange, 0, len(ev.Changes))
	for _, ch := range ev.Changes {
		if !c.isTracked(ch.AssetID) || c.pending[ch.AssetID] {
			continue
		}
		changes = append(changes, ch)
	}
	if len(changes) == 0 {
		return nil
	}

	snaps, err := c.books.ApplyChanges(changes)
	for _, snap := range snaps {
		c.publish(snap, ev.Received)
	}
	if err == nil {
		c.protoErrs = 0
		return nil
	}

	var broken []string
	seen := make(map[string]bool)
	for _, ch := range changes {
		if !seen[ch.AssetID] && !c.books.Has(ch.AssetID) {
			broken = append(broken, ch.AssetID)
		}
		seen[ch.AssetID] = true
	}
	return c.protocolError(ctx, err, broken...)
}

// protocolError drops the affected books and asks the server for fresh full
// snapshots. Unattributed errors resubscribe every tracked instrument.
func (c *Client) protocolError(ctx context.Context, err error, assets ...string) error {
	var ids []string
	attributed := false
	for _, id := range assets {
		if id == "" {
			continue
		}
		attributed = true
		if c.isTracked(id) {
			ids = append(ids, id)
		}
	}
	if attributed && len(ids) == 0 {
		return nil // stale message for an instrument no longer tracked
	}
	if len(ids) == 0 {
		ids = c.trackedIDs()
	}
	c.protoErrs++
	for _, id := range ids {
		c.books.Drop(id)
		c.pending[id] = true
	}

	c.logger.WarnContext(ctx, "protocol error, resubscribing",
		slog.Any("error", err),
		slog.Any("assets", ids),
		slog.Int("consecutive", c.protoErrs),
	)
	if c.protoErrs >= c.cfg.MaxProtocolErrors {
		return fmt.Errorf("feed: %d consecutive protocol errors, last: %v: %w", c.protoErrs, err, domain.ErrFeedFatal)
	}
	if len(ids) > 0 {
		if rerr := c.transport.Resubscribe(ids); rerr != nil {
			// The reconnect path resubscribes everything anyway.
			c.logger.WarnContext(ctx, "resubscribe failed", slog.Any("error", rerr))
		}
	}
	return nil
}

// publish emits a mid sample for snap. One-sided books carry no mid.
func (c *Client) publish(snap domain.OrderbookSnapshot, received time.Time) {
	if c.cfg.Mirror != nil {
		c.cfg.Mirror.Offer(snap)
	}
	if !snap.HasBothSides() {
		return
	}

	ts := received
	if last, ok := c.lastTS[snap.AssetID]; ok && ts.Before(last) {
		ts = last
	}
	c.lastTS[snap.AssetID] = ts

	c.mu.RLock()
	side := c.tracked[snap.AssetID]
	c.mu.RUnlock()

	c.emit(domain.MidPriceSample{
		AssetID:   snap.AssetID,
		Side:      side,
		Mid:       snap.MidPrice,
		BestBid:   snap.BestBid,
		BestAsk:   snap.BestAsk,
		Timestamp: ts,
		Epoch:     c.epochs[snap.AssetID],
	})
}

// emit never blocks: on a full queue the oldest sample gives way.
func (c *Client) emit(s domain.MidPriceSample) {
	for {
		select {
		case c.samples <- s:
			return
		default:
		}
		select {
		case <-c.samples:
			c.dropped.Add(1)
			metrics.IncEventsDropped()
		default:
		}
	}
}

// syncGeneration discards local books after Subscribe replaced the set.
func (c *Client) syncGeneration() {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	if gen == c.seenGen {
		return
	}
	c.seenGen = gen
	c.books.Reset()
	clear(c.pending)
	c.protoErrs = 0
}

func (c *Client) isTracked(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tracked[id]
	return ok
}

func (c *Client) trackedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
