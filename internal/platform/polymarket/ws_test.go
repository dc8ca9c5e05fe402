package polymarket

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

type fakeConn struct {
	reads  chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-c.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w := NewWSClient(WSConfig{URL: "ws://x"})
	assert.Equal(t, 2*time.Second, w.Backoff(1))
	assert.Equal(t, 4*time.Second, w.Backoff(2))
	assert.Equal(t, 8*time.Second, w.Backoff(3))
	assert.Equal(t, 32*time.Second, w.Backoff(5))
	assert.Equal(t, 60*time.Second, w.Backoff(6))
	assert.Equal(t, 60*time.Second, w.Backoff(20))
}

func TestRunGoesFatalAfterMaxAttempts(t *testing.T) {
	clock := &fakeClock{}
	var states []ConnState
	w := NewWSClient(WSConfig{
		URL:         "ws://x",
		MaxAttempts: 4,
		Dialer:      &fakeDialer{},
		Clock:       clock,
		OnState:     func(s ConnState) { states = append(states, s) },
	})

	err := w.Run(context.Background(), make(chan Event, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFeedFatal)
	assert.Equal(t, StateFatal, w.State())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, clock.Sleeps())
	assert.Equal(t, []ConnState{StateReconnecting, StateFatal}, states)
}

func TestRunSubscribesAndDelivers(t *testing.T) {
	conn := newFakeConn()
	w := NewWSClient(WSConfig{URL: "ws://x", Dialer: &fakeDialer{conns: []*fakeConn{conn}}, Clock: &fakeClock{}})
	require.NoError(t, w.SetAssets([]string{"up", "down"}))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx, out) }()

	ev := nextEvent(t, out)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, []string{"up", "down"}, ev.Assets)
	assert.Equal(t, StateConnected, w.State())
	assert.JSONEq(t, `{"assets_ids":["up","down"],"type":"market","operation":"subscribe"}`, conn.Written()[0])

	conn.reads <- []byte(`[{"event_type":"book","asset_id":"up","bids":[{"price":"0.50","size":"10"}],"asks":[{"price":"0.52","size":"5"}],"timestamp":"1700000000123"}]`)
	ev = nextEvent(t, out)
	require.Equal(t, EventBook, ev.Kind)
	assert.Equal(t, "up", ev.AssetID)
	assert.Len(t, ev.Book.Bids, 1)
	assert.Equal(t, time.UnixMilli(1700000000123), ev.Book.Timestamp)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateDisconnected, w.State())
}

func TestRunReconnectsAndResubscribes(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	clock := &fakeClock{}
	w := NewWSClient(WSConfig{URL: "ws://x", Dialer: &fakeDialer{conns: []*fakeConn{first, second}}, Clock: clock})
	require.NoError(t, w.SetAssets([]string{"a"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 8)
	go func() { _ = w.Run(ctx, out) }()

	assert.Equal(t, EventConnected, nextEvent(t, out).Kind)
	close(first.reads) // server drops the connection

	ev := nextEvent(t, out)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, int64(1), w.Reconnects())
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.Sleeps())
	require.Len(t, second.Written(), 1)
	assert.Contains(t, second.Written()[0], `"operation":"subscribe"`)
}

func TestSetAssetsReplacesSubscription(t *testing.T) {
	conn := newFakeConn()
	w := NewWSClient(WSConfig{URL: "ws://x", Dialer: &fakeDialer{conns: []*fakeConn{conn}}, Clock: &fakeClock{}})
	require.NoError(t, w.SetAssets([]string{"old"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 8)
	go func() { _ = w.Run(ctx, out) }()
	nextEvent(t, out)

	require.NoError(t, w.SetAssets([]string{"new1", "new2"}))
	writes := conn.Written()
	require.Len(t, writes, 3)
	assert.JSONEq(t, `{"assets_ids":["old"],"type":"market","operation":"unsubscribe"}`, writes[1])
	assert.JSONEq(t, `{"assets_ids":["new1","new2"],"type":"market","operation":"subscribe"}`, writes[2])

	require.NoError(t, w.Resubscribe([]string{"new1"}))
	writes = conn.Written()
	require.Len(t, writes, 5)
	assert.Contains(t, writes[3], "unsubscribe")
	assert.Contains(t, writes[4], `"operation":"subscribe"`)
}

func TestResubscribeRequiresConnection(t *testing.T) {
	w := NewWSClient(WSConfig{URL: "ws://x"})
	assert.Error(t, w.Resubscribe([]string{"a"}))
}

func TestDecodeFrame(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("keepalive ignored", func(t *testing.T) {
		assert.Empty(t, decodeFrame([]byte("PONG"), now))
	})

	t.Run("batched price changes", func(t *testing.T) {
		evs := decodeFrame([]byte(`{"event_type":"price_change","market":"m","price_changes":[
			{"asset_id":"a","side":"BUY","price":"0.4","size":"0"},
			{"asset_id":"a","side":"sell","price":"0.6","size":"12.5"}]}`), now)
		require.Len(t, evs, 1)
		require.Equal(t, EventPriceChange, evs[0].Kind)
		require.Len(t, evs[0].Changes, 2)
		assert.Equal(t, "SELL", evs[0].Changes[1].Side)
		assert.Equal(t, 12.5, evs[0].Changes[1].Size)
		assert.Equal(t, now, evs[0].Changes[0].Timestamp)
	})

	t.Run("legacy flat price change", func(t *testing.T) {
		evs := decodeFrame([]byte(`{"event_type":"price_change","asset_id":"a","side":"BUY","price":"0.41","size":"3"}`), now)
		require.Len(t, evs, 1)
		assert.Equal(t, "a", evs[0].Changes[0].AssetID)
	})

	t.Run("malformed level is a protocol error", func(t *testing.T) {
		evs := decodeFrame([]byte(`{"event_type":"book","asset_id":"a","bids":[{"price":"x","size":"1"}],"asks":[]}`), now)
		require.Len(t, evs, 1)
		assert.Equal(t, EventProtocolError, evs[0].Kind)
		assert.Equal(t, "a", evs[0].AssetID)
		assert.ErrorIs(t, evs[0].Err, domain.ErrProtocol)
	})

	t.Run("truncated json", func(t *testing.T) {
		evs := decodeFrame([]byte(`{"event_type":"book","asset_id":`), now)
		require.Len(t, evs, 1)
		assert.Equal(t, EventProtocolError, evs[0].Kind)
	})

	t.Run("unknown events skipped", func(t *testing.T) {
		evs := decodeFrame([]byte(`[{"event_type":"tick_size_change","asset_id":"a"},{"event_type":"last_trade_price","asset_id":"a","price":"0.5","size":"2"}]`), now)
		require.Len(t, evs, 1)
		assert.Equal(t, EventLastTrade, evs[0].Kind)
		assert.Equal(t, 0.5, evs[0].Trade.Price)
	})
}
