package feed_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/feed"
	"github.com/alanyoungcy/flashbot/internal/platform/polymarket"
	"github.com/alanyoungcy/flashbot/internal/strategy"
)

// scriptTransport replays a fixed list of events and then idles.
type scriptTransport struct {
	events []polymarket.Event

	mu       sync.Mutex
	assets   []string
	resubs   [][]string
	finished chan struct{}
}

func newScript(events ...polymarket.Event) *scriptTransport {
	return &scriptTransport{events: events, finished: make(chan struct{})}
}

func (s *scriptTransport) Run(ctx context.Context, out chan<- polymarket.Event) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.finished)
	<-ctx.Done()
	return ctx.Err()
}

func (s *scriptTransport) SetAssets(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = ids
	return nil
}

func (s *scriptTransport) Resubscribe(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resubs = append(s.resubs, ids)
	return nil
}

func (s *scriptTransport) resubscribes() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.resubs...)
}

var inst = domain.Instrument{UpTokenID: "UP", DownTokenID: "DN"}

func bookEv(asset string, bid, ask float64, at time.Duration) polymarket.Event {
	return polymarket.Event{
		Kind:     polymarket.EventBook,
		AssetID:  asset,
		Book:     fullBook(asset, []domain.PriceLevel{lv(bid, 10)}, []domain.PriceLevel{lv(ask, 10)}),
		Received: t0.Add(at),
	}
}

func changeEv(asset, side string, price, size float64, at time.Duration) polymarket.Event {
	return polymarket.Event{
		Kind:     polymarket.EventPriceChange,
		Changes:  []domain.PriceChange{{AssetID: asset, Side: side, Price: price, Size: size, Timestamp: t0.Add(at)}},
		Received: t0.Add(at),
	}
}

func protoEv(asset string) polymarket.Event {
	return polymarket.Event{Kind: polymarket.EventProtocolError, AssetID: asset, Err: errors.New("bad frame")}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startClient(t *testing.T, tr *scriptTransport, cfg feed.ClientConfig) (*feed.Client, <-chan error) {
	t.Helper()
	cfg.Logger = quietLogger()
	c := feed.NewClient(tr, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.SubscribeInstrument(ctx, inst))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return c, done
}

func nextSample(t *testing.T, c *feed.Client) domain.MidPriceSample {
	t.Helper()
	select {
	case s := <-c.Samples():
		return s
	case <-time.After(time.Second):
		t.Fatal("no sample")
		return domain.MidPriceSample{}
	}
}

func TestClientEmitsSidedSamples(t *testing.T) {
	tr := newScript(
		polymarket.Event{Kind: polymarket.EventConnected},
		bookEv("UP", 0.40, 0.50, time.Second),
		changeEv("UP", "BUY", 0.44, 5, 2*time.Second),
		bookEv("DN", 0.50, 0.60, 3*time.Second),
		bookEv("OTHER", 0.1, 0.2, 4*time.Second),
	)
	c, _ := startClient(t, tr, feed.ClientConfig{})

	s := nextSample(t, c)
	assert.Equal(t, domain.SideUp, s.Side)
	assert.InDelta(t, 0.45, s.Mid, 1e-12)
	assert.Equal(t, uint64(1), s.Epoch)
	assert.Equal(t, 0.50, s.BestAsk)

	s = nextSample(t, c)
	assert.InDelta(t, 0.47, s.Mid, 1e-12)
	assert.Equal(t, uint64(1), s.Epoch)

	s = nextSample(t, c)
	assert.Equal(t, domain.SideDown, s.Side)

	<-tr.finished
	assert.Eventually(t, func() bool { _, ok := c.LatestSnapshot("DN"); return ok }, time.Second, 5*time.Millisecond)
	_, ok := c.LatestSnapshot("OTHER")
	assert.False(t, ok, "untracked assets are ignored")

	tr.mu.Lock()
	assert.Equal(t, []string{"DN", "UP"}, tr.assets)
	tr.mu.Unlock()
}

func TestClientResubscribesOnProtocolError(t *testing.T) {
	tr := newScript(
		bookEv("UP", 0.40, 0.50, time.Second),
		protoEv("UP"),
		changeEv("UP", "BUY", 0.44, 5, 2*time.Second), // ignored until a new book
		bookEv("UP", 0.20, 0.30, 3*time.Second),
	)
	c, _ := startClient(t, tr, feed.ClientConfig{})

	first := nextSample(t, c)
	second := nextSample(t, c)
	assert.Equal(t, uint64(1), first.Epoch)
	assert.Equal(t, uint64(2), second.Epoch, "a fresh book starts a new epoch")
	assert.InDelta(t, 0.25, second.Mid, 1e-12)
	assert.Equal(t, [][]string{{"UP"}}, tr.resubscribes())
}

func TestClientFatalAfterRepeatedProtocolErrors(t *testing.T) {
	tr := newScript(protoEv(""), protoEv(""), protoEv(""))
	_, done := startClient(t, tr, feed.ClientConfig{MaxProtocolErrors: 2})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrFeedFatal)
	case <-time.After(time.Second):
		t.Fatal("client did not give up")
	}
	require.Len(t, tr.resubscribes(), 1)
	assert.Equal(t, []string{"DN", "UP"}, tr.resubscribes()[0])
}

func TestClientDropsOldestSamples(t *testing.T) {
	var evs []polymarket.Event
	for i := range 5 {
		bid := 0.10 + float64(i)*0.10
		evs = append(evs, bookEv("UP", bid, bid+0.02, time.Duration(i)*time.Second))
	}
	tr := newScript(evs...)
	c, _ := startClient(t, tr, feed.ClientConfig{EventBuffer: 2})

	<-tr.finished
	assert.Eventually(t, func() bool { return c.Dropped() == 3 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.41, nextSample(t, c).Mid, 1e-12)
	assert.InDelta(t, 0.51, nextSample(t, c).Mid, 1e-12)
}

func TestClientKeepsEpochAcrossResentBooks(t *testing.T) {
	tr := newScript(
		polymarket.Event{Kind: polymarket.EventConnected},
		bookEv("UP", 0.54, 0.56, 0),
		bookEv("UP", 0.19, 0.21, 2*time.Second),
		polymarket.Event{Kind: polymarket.EventConnected},
		bookEv("UP", 0.19, 0.21, 3*time.Second),
	)
	c, _ := startClient(t, tr, feed.ClientConfig{})
	det := strategy.NewDetector(strategy.DetectorConfig{Threshold: 0.30, Lookback: 10 * time.Second})

	first := nextSample(t, c)
	_, fired := det.Observe(first)
	assert.False(t, fired)

	second := nextSample(t, c)
	assert.Equal(t, first.Epoch, second.Epoch, "a re-sent book keeps the window")
	ev, fired := det.Observe(second)
	require.True(t, fired)
	assert.InDelta(t, 0.55, ev.ReferencePrice, 1e-12)
	assert.InDelta(t, 0.20, ev.TriggerPrice, 1e-12)

	third := nextSample(t, c)
	assert.Equal(t, first.Epoch+1, third.Epoch, "a reconnect rebuilds the book")
}

func TestClientTimestampsAreMonotonic(t *testing.T) {
	tr := newScript(
		bookEv("UP", 0.40, 0.50, 5*time.Second),
		changeEv("UP", "BUY", 0.44, 5, 2*time.Second),
	)
	c, _ := startClient(t, tr, feed.ClientConfig{})

	a := nextSample(t, c)
	b := nextSample(t, c)
	assert.Equal(t, t0.Add(5*time.Second), a.Timestamp)
	assert.Equal(t, a.Timestamp, b.Timestamp)
}
