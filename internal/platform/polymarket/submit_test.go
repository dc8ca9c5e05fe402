package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

func buyRequest() domain.ExecutionRequest {
	return domain.ExecutionRequest{
		ID:        "req-1",
		AssetID:   "tok-up",
		Side:      domain.SideUp,
		Direction: domain.OrderSideBuy,
		Intent:    domain.IntentEntry,
		Price:     0.20,
		Size:      10,
		Bankroll:  decimal.NewFromInt(20),
	}
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := HMACAuth{Key: "key", Secret: "secret"}
	a := auth.Headers("POST", "/orders", `{"x":1}`, 1700000000)
	b := auth.Headers("POST", "/orders", `{"x":1}`, 1700000000)
	c := auth.Headers("POST", "/orders", `{"x":2}`, 1700000000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a["FLASHBOT-SIGNATURE"], c["FLASHBOT-SIGNATURE"])
	assert.Equal(t, "1700000000", a["FLASHBOT-TIMESTAMP"])
	assert.Equal(t, "HMACAuth{key=****, secret=secr****}", auth.String())
}

func TestSubmitPollsUntilMatched(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("FLASHBOT-SIGNATURE"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			body, _ := io.ReadAll(r.Body)
			var req SubmitOrderRequest
			assert.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "BUY", req.Side)
			assert.Equal(t, "tok-up", req.TokenID)
			assert.Equal(t, "FAK", req.OrderType)
			json.NewEncoder(w).Encode(SubmitOrderResponse{Success: true, OrderID: "o1", Status: statusLive})
		case r.Method == http.MethodGet && r.URL.Path == "/orders/o1":
			st := OrderState{OrderID: "o1", Status: statusLive, OriginalSize: 10}
			if polls.Add(1) >= 2 {
				st = OrderState{OrderID: "o1", Status: statusMatched, OriginalSize: 10, SizeMatched: 6, AvgPrice: 0.21, FeeUSD: 0.01}
			}
			json.NewEncoder(w).Encode(st)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewSubmitClient(SubmitConfig{BaseURL: srv.URL, Auth: HMACAuth{Key: "k", Secret: "s"}, PollInterval: time.Millisecond})
	fill, err := c.Submit(context.Background(), buyRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.FillPartial, fill.Outcome)
	assert.Equal(t, 6.0, fill.Size)
	assert.Equal(t, 0.21, fill.Price)
	assert.Equal(t, 0.01, fill.FeeUSD)
	assert.InDelta(t, 500.0, fill.SlippageBps, 1e-6)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SubmitOrderResponse{Success: false, ErrorMsg: "not enough balance"})
	}))
	defer srv.Close()

	c := NewSubmitClient(SubmitConfig{BaseURL: srv.URL})
	fill, err := c.Submit(context.Background(), buyRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.FillNone, fill.Outcome)
	assert.Zero(t, fill.Size)
	assert.Contains(t, fill.Reason, "not enough balance")
}

func TestSubmitTimeoutCancelsRemainder(t *testing.T) {
	var cancelled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(SubmitOrderResponse{Success: true, OrderID: "o2"})
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/o2":
			cancelled.Store(true)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			st := OrderState{OrderID: "o2", Status: statusLive, OriginalSize: 10}
			if cancelled.Load() {
				st.Status = statusCancelled
			}
			json.NewEncoder(w).Encode(st)
		}
	}))
	defer srv.Close()

	c := NewSubmitClient(SubmitConfig{BaseURL: srv.URL, FillTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	fill, err := c.Submit(context.Background(), buyRequest())
	require.NoError(t, err)
	assert.True(t, cancelled.Load())
	assert.Equal(t, domain.FillNone, fill.Outcome)
}

func TestSubmitHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewSubmitClient(SubmitConfig{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), buyRequest())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.ErrorIs(t, c.CancelAll(context.Background()), domain.ErrUnauthorized)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	c := NewSubmitClient(SubmitConfig{BaseURL: "http://127.0.0.1:1"})
	req := buyRequest()
	req.Size = 0
	_, err := c.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}
