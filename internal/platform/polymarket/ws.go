package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// ConnState is the connection state of a WSClient.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
	StateFatal
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFatal:
		return "FATAL"
	}
	return "DISCONNECTED"
}

// Conn is the subset of *websocket.Conn used by the client.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens websocket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Clock abstracts time for the reconnect backoff.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	websocket.Dialer
}

// Dial implements Dialer.
func (g *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := g.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// EventKind identifies the payload of an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventBook
	EventPriceChange
	EventLastTrade
	EventProtocolError
)

// Event is one decoded message from the market channel, delivered in
// arrival order.
type Event struct {
	Kind     EventKind
	AssetID  string // set for book events and, when known, protocol errors
	Book     domain.OrderbookSnapshot
	Changes  []domain.PriceChange
	Trade    domain.LastTradePrice
	Assets   []string // subscribed set, for EventConnected
	Err      error
	Received time.Time
}

// WSConfig configures a WSClient. Zero values fall back to the package
// defaults.
type WSConfig struct {
	URL           string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxAttempts is the number of consecutive failed dials before the
	// client gives up with domain.ErrFeedFatal. 0 retries forever.
	MaxAttempts int
	Dialer      Dialer
	Clock       Clock
	Logger      *slog.Logger
	OnState     func(ConnState)
}

// WSClient is a client for the Polymarket CLOB market channel. Run drives
// the connection through CONNECTED / RECONNECTING / FATAL and re-subscribes
// the tracked asset set after every reconnect.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger
	state  atomic.Int32

	mu     sync.Mutex // guards conn, assets and writes
	conn   Conn
	assets []string
	closed bool

	reconnects atomic.Int64
}

// NewWSClient creates a market channel client.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = reconnectDelay
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = maxReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &GorillaDialer{Dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second}}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSClient{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "polymarket_ws")),
	}
}

// State returns the current connection state.
func (w *WSClient) State() ConnState {
	return ConnState(w.state.Load())
}

// Reconnects returns how many times an established connection was lost.
func (w *WSClient) Reconnects() int64 {
	return w.reconnects.Load()
}

func (w *WSClient) setState(s ConnState) {
	if ConnState(w.state.Swap(int32(s))) == s {
		return
	}
	w.logger.Debug("connection state", slog.String("state", s.String()))
	if w.cfg.OnState != nil {
		w.cfg.OnState(s)
	}
}

// Backoff returns the delay before dial attempt n (1-based).
func (w *WSClient) Backoff(n int) time.Duration {
	d := w.cfg.ReconnectBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= w.cfg.ReconnectMax {
			return w.cfg.ReconnectMax
		}
	}
	return d
}

// SetAssets replaces the tracked asset set. When connected, the old set is
// unsubscribed before the new one is subscribed.
func (w *WSClient) SetAssets(ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.assets
	w.assets = append([]string(nil), ids...)

	if w.conn == nil {
		return nil
	}
	if len(old) > 0 {
		if err := w.sendCommand(NewUnsubscribe(old)); err != nil {
			return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
		}
	}
	if len(w.assets) > 0 {
		if err := w.sendCommand(NewSubscribe(w.assets)); err != nil {
			return fmt.Errorf("polymarket/ws: subscribe: %w", err)
		}
	}
	return nil
}

// Resubscribe cycles the subscription for ids so the server sends a fresh
// full book.
func (w *WSClient) Resubscribe(ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	if err := w.sendCommand(NewUnsubscribe(ids)); err != nil {
		return fmt.Errorf("polymarket/ws: resubscribe: %w", err)
	}
	if err := w.sendCommand(NewSubscribe(ids)); err != nil {
		return fmt.Errorf("polymarket/ws: resubscribe: %w", err)
	}
	return nil
}

// Run connects and delivers decoded events to out until ctx is cancelled or
// the reconnect ceiling is exceeded. It owns the connection; only one Run
// may be active at a time.
func (w *WSClient) Run(ctx context.Context, out chan<- Event) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			w.setState(StateDisconnected)
			return err
		}

		conn, err := w.cfg.Dialer.Dial(ctx, w.cfg.URL)
		if err == nil {
			err = w.attach(conn)
		}
		if err != nil {
			if ctx.Err() != nil {
				w.setState(StateDisconnected)
				return ctx.Err()
			}
			failures++
			if w.cfg.MaxAttempts > 0 && failures >= w.cfg.MaxAttempts {
				w.setState(StateFatal)
				return fmt.Errorf("polymarket/ws: %d failed attempts, last: %v: %w", failures, err, domain.ErrFeedFatal)
			}
			w.setState(StateReconnecting)
			delay := w.Backoff(failures)
			w.logger.Warn("connect failed, backing off",
				slog.Int("attempt", failures),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if err := w.sleep(ctx, delay); err != nil {
				w.setState(StateDisconnected)
				return err
			}
			continue
		}

		failures = 0
		w.setState(StateConnected)

		w.mu.Lock()
		assets := append([]string(nil), w.assets...)
		w.mu.Unlock()
		if err := w.emit(ctx, out, Event{Kind: EventConnected, Assets: assets, Received: w.cfg.Clock.Now()}); err != nil {
			w.detach(conn)
			w.setState(StateDisconnected)
			return err
		}

		err = w.serve(ctx, conn, out)
		w.detach(conn)
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return ctx.Err()
		}

		w.reconnects.Add(1)
		w.setState(StateReconnecting)
		w.logger.Warn("connection lost", slog.Any("error", err))
		if err := w.sleep(ctx, w.Backoff(1)); err != nil {
			w.setState(StateDisconnected)
			return err
		}
	}
}

// Close sends a close frame on the active connection, if any.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.conn != nil {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// attach installs conn as the active connection and restores subscriptions.
func (w *WSClient) attach(conn Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		conn.Close()
		return fmt.Errorf("polymarket/ws: client is closed")
	}
	w.conn = conn
	if len(w.assets) > 0 {
		if err := w.sendCommand(NewSubscribe(w.assets)); err != nil {
			w.conn = nil
			conn.Close()
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

func (w *WSClient) detach(conn Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd MarketCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// serve reads frames until the connection fails or ctx is done.
func (w *WSClient) serve(ctx context.Context, conn Conn, out chan<- Event) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go w.pingLoop(conn, done)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		for _, ev := range decodeFrame(raw, w.cfg.Clock.Now()) {
			if err := w.emit(ctx, out, ev); err != nil {
				return err
			}
		}
	}
}

func (w *WSClient) emit(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *WSClient) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-w.cfg.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeFrame splits a frame (a single object or an array of objects) into
// events. Non-JSON keepalive frames such as "PONG" produce nothing.
func decodeFrame(raw []byte, received time.Time) []Event {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return []Event{protocolError("", fmt.Errorf("decode frame: %w", err), received)}
		}
		out := make([]Event, 0, len(items))
		for _, it := range items {
			if ev, ok := decodeMessage(it, received); ok {
				out = append(out, ev)
			}
		}
		return out
	case '{':
		if ev, ok := decodeMessage(raw, received); ok {
			return []Event{ev}
		}
		return nil
	}
	return nil
}

// decodeMessage routes one message by its event type. Unknown event types
// are ignored.
func decodeMessage(raw []byte, received time.Time) (Event, bool) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protocolError("", fmt.Errorf("decode envelope: %w", err), received), true
	}

	switch env.kind() {
	case "book":
		var msg BookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return protocolError(peekAssetID(raw), fmt.Errorf("decode book: %w", err), received), true
		}
		snap, err := BookToDomainSnapshot(&msg, received)
		if err != nil {
			return protocolError(msg.AssetID, err, received), true
		}
		return Event{Kind: EventBook, AssetID: snap.AssetID, Book: snap, Received: received}, true

	case "price_change":
		var msg PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return protocolError(peekAssetID(raw), fmt.Errorf("decode price_change: %w", err), received), true
		}
		changes, err := PriceChangesToDomain(&msg, received)
		if err != nil {
			return protocolError(firstAssetID(&msg), err, received), true
		}
		return Event{Kind: EventPriceChange, AssetID: changes[0].AssetID, Changes: changes, Received: received}, true

	case "last_trade_price":
		var msg PriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return protocolError(peekAssetID(raw), fmt.Errorf("decode last_trade_price: %w", err), received), true
		}
		return Event{Kind: EventLastTrade, AssetID: msg.AssetID, Trade: PriceToDomainLastTrade(&msg, received), Received: received}, true
	}
	return Event{}, false
}

func protocolError(assetID string, err error, received time.Time) Event {
	return Event{
		Kind:     EventProtocolError,
		AssetID:  assetID,
		Err:      errors.Join(domain.ErrProtocol, err),
		Received: received,
	}
}

func peekAssetID(raw []byte) string {
	var probe struct {
		AssetID string `json:"asset_id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.AssetID
}

func firstAssetID(msg *PriceChangeMessage) string {
	if msg.AssetID != "" {
		return msg.AssetID
	}
	for _, it := range msg.PriceChanges {
		if it.AssetID != "" {
			return it.AssetID
		}
	}
	return ""
}
