package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

const (
	eventsChannel = "events"
	streamPage    = 200
)

// Bus is the read side of the engine event bus.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// Quotes reads mirrored top of book.
type Quotes interface {
	GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error)
}

// BusEvent is one engine event as published on the bus.
type BusEvent struct {
	RunID  string         `json:"run_id"`
	Coin   string         `json:"coin"`
	Event  string         `json:"event"`
	TS     time.Time      `json:"ts"`
	Fields map[string]any `json:"fields"`
}

// Watcher prints engine events for one coin: the last Backlog events of its
// stream, then live events until ctx is done.
type Watcher struct {
	Bus     Bus
	Quotes  Quotes // optional
	Coin    string
	Backlog int

	up, down string
	last     time.Time
}

// Run subscribes before replaying so no event falls between the two; live
// events already replayed are skipped.
func (w *Watcher) Run(ctx context.Context, out io.Writer) error {
	live, err := w.Bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("report: watch subscribe: %w", err)
	}

	backlog, err := w.replay(ctx)
	if err != nil {
		return err
	}
	for _, ev := range backlog {
		w.print(ctx, out, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-live:
			if !ok {
				return ctx.Err()
			}
			var ev BusEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			if !strings.EqualFold(ev.Coin, w.Coin) || !ev.TS.After(w.last) {
				continue
			}
			w.print(ctx, out, ev)
		}
	}
}

// replay pages through the coin's stream and keeps the newest Backlog events.
func (w *Watcher) replay(ctx context.Context) ([]BusEvent, error) {
	if w.Backlog <= 0 {
		return nil, nil
	}
	var kept []BusEvent
	lastID := "0"
	for {
		msgs, err := w.Bus.StreamRead(ctx, "stream:"+w.Coin, lastID, streamPage)
		if err != nil {
			return nil, fmt.Errorf("report: watch replay: %w", err)
		}
		for _, m := range msgs {
			lastID = m.ID
			var ev BusEvent
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				continue
			}
			kept = append(kept, ev)
			if len(kept) > w.Backlog {
				kept = kept[1:]
			}
		}
		if len(msgs) < streamPage {
			return kept, nil
		}
	}
}

func (w *Watcher) print(ctx context.Context, out io.Writer, ev BusEvent) {
	if ev.TS.After(w.last) {
		w.last = ev.TS
	}
	if ev.Event == "market_changed" {
		w.up, _ = ev.Fields["up_token_id"].(string)
		w.down, _ = ev.Fields["down_token_id"].(string)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", ev.TS.UTC().Format(timeLayout), strings.ToUpper(ev.Coin), ev.Event)
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Fields[k])
	}
	if ev.Event == "snapshot" && w.Quotes != nil {
		b.WriteString(w.quote(ctx, "up", w.up))
		b.WriteString(w.quote(ctx, "down", w.down))
	}
	fmt.Fprintln(out, b.String())
}

func (w *Watcher) quote(ctx context.Context, label, assetID string) string {
	if assetID == "" {
		return ""
	}
	bid, ask, err := w.Quotes.GetBBO(ctx, assetID)
	if err != nil {
		return fmt.Sprintf(" %s=n/a", label)
	}
	return fmt.Sprintf(" %s=%.2f/%.2f", label, bid, ask)
}
