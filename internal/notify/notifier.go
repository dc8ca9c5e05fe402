// Package notify fans engine events out to chat channels (Telegram, Discord)
// off the decision path. Events are filtered by name so operators receive
// only the alerts they care about.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type message struct {
	event, title, body string
}

// Notifier dispatches messages to every Sender. Post never blocks; a single
// worker started with Run delivers queued messages.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event names; empty allows all
	queue   chan message
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders that forwards only the named
// events. An empty events list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan message, 64),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether the notifier has at least one sender.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Allows reports whether event passes the filter.
func (n *Notifier) Allows(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Post queues a message for event. Filtered events and messages arriving
// while the queue is full are dropped.
func (n *Notifier) Post(event, title, body string) {
	if !n.Enabled() || !n.Allows(event) {
		return
	}
	select {
	case n.queue <- message{event: event, title: title, body: body}:
	default:
		n.logger.Warn("notification queue full, dropped", slog.String("event", event))
	}
}

// Run delivers queued messages until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.queue:
			if err := n.Notify(ctx, msg.event, msg.title, msg.body); err != nil {
				n.logger.WarnContext(ctx, "notification failed",
					slog.String("event", msg.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends synchronously to all senders when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, body); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(snippet))
	}
	return nil
}
