package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/notify"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "rec" }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFilters(t *testing.T) {
	rec := &recordingSender{}
	n := notify.NewNotifier([]notify.Sender{rec}, []string{"trade_closed", " kill_switch_triggered "}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), "trade_opened", "t", "m"))
	require.NoError(t, n.Notify(context.Background(), "kill_switch_triggered", "t", "m"))
	assert.Equal(t, 1, rec.count())

	all := notify.NewNotifier([]notify.Sender{rec}, nil, quietLogger())
	assert.True(t, all.Allows("anything"))
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: errors.New("boom")}
	n := notify.NewNotifier([]notify.Sender{bad, ok}, nil, quietLogger())

	err := n.Notify(context.Background(), "x", "t", "m")
	assert.ErrorContains(t, err, "1 sender(s) failed")
	assert.Equal(t, 1, ok.count(), "later senders still run")
}

func TestNotifierPostDeliversAsync(t *testing.T) {
	rec := &recordingSender{}
	n := notify.NewNotifier([]notify.Sender{rec}, []string{"trade_closed"}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Post("trade_opened", "a", "")
	n.Post("trade_closed", "b", "")
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	var disabled *notify.Notifier
	assert.False(t, disabled.Enabled())
}

func TestTelegramAndDiscordPayloads(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	tg := notify.NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, tg.Send(ctx, "title", "body"))
	require.NoError(t, notify.NewDiscordSender(srv.URL+"/hook").Send(ctx, "title", "body"))
	err := notify.NewDiscordSender(srv.URL+"/fail").Send(ctx, "t", "m")
	assert.ErrorContains(t, err, "unexpected status 400")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", bodies["/botTOKEN/sendMessage"]["chat_id"])
	assert.Equal(t, "title\nbody", bodies["/botTOKEN/sendMessage"]["text"])
	assert.Equal(t, "**title**\nbody", bodies["/hook"]["content"])
}

func TestDescribe(t *testing.T) {
	title, body := notify.Describe("BTC", "trade_closed", map[string]any{
		"side": "up", "exit_price": 0.31, "pnl": 11.0, "reason": "take_profit",
	})
	assert.Equal(t, "[flashbot BTC] trade_closed", title)
	assert.Contains(t, body, "SELL up @ 0.3100 PnL +11.0000 (take_profit)")
	assert.Contains(t, body, "exit_price=0.31")
}
