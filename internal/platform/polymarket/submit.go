package polymarket

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// Order statuses reported by the submission service.
const (
	statusLive      = "live"
	statusMatched   = "matched"
	statusCancelled = "cancelled"
	statusFailed    = "failed"
)

// HMACAuth signs requests to the submission service.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers returns the auth headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (h *HMACAuth) Headers(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"FLASHBOT-API-KEY":   h.Key,
		"FLASHBOT-TIMESTAMP": ts,
		"FLASHBOT-SIGNATURE": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// SubmitOrderRequest is the body of POST /orders.
type SubmitOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	TokenID       string  `json:"token_id"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	OrderType     string  `json:"order_type"`
}

// SubmitOrderResponse is the reply to POST /orders.
type SubmitOrderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// OrderState is the reply to GET /orders/{id}.
type OrderState struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	OriginalSize float64 `json:"original_size"`
	SizeMatched  float64 `json:"size_matched"`
	AvgPrice     float64 `json:"avg_price"`
	FeeUSD       float64 `json:"fee_usd"`
}

func (s OrderState) terminal() bool {
	switch s.Status {
	case statusMatched, statusCancelled, statusFailed:
		return true
	}
	return s.OriginalSize > 0 && s.SizeMatched >= s.OriginalSize
}

// SubmitConfig configures a SubmitClient.
type SubmitConfig struct {
	BaseURL      string
	Auth         HMACAuth
	FillTimeout  time.Duration
	PollInterval time.Duration
	RatePerSec   float64
}

// SubmitClient is the live execution collaborator: an HTTP client for an
// external signer and order-submission service. Submitted orders are polled
// until they reach a terminal status; nothing is assumed to fill instantly.
type SubmitClient struct {
	baseURL      string
	auth         HMACAuth
	httpClient   *http.Client
	limiter      *rate.Limiter
	fillTimeout  time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewSubmitClient creates a SubmitClient.
func NewSubmitClient(cfg SubmitConfig) *SubmitClient {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	limit := rate.Limit(10)
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &SubmitClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		auth:         cfg.Auth,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		limiter:      rate.NewLimiter(limit, 10),
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Submit places a fill-and-kill order and waits for its terminal state.
func (c *SubmitClient) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	side := "BUY"
	if req.Direction == domain.OrderSideSell {
		side = "SELL"
	}
	if req.Size <= 0 || req.Price <= 0 {
		return domain.Fill{}, fmt.Errorf("polymarket/submit: %w: size=%v price=%v", domain.ErrInvalidOrder, req.Size, req.Price)
	}

	var placed SubmitOrderResponse
	err := c.do(ctx, http.MethodPost, "/orders", SubmitOrderRequest{
		ClientOrderID: req.ID,
		TokenID:       req.AssetID,
		Side:          side,
		Price:         req.Price,
		Size:          req.Size,
		OrderType:     "FAK",
	}, &placed)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket/submit: post order: %w", err)
	}
	if !placed.Success || placed.OrderID == "" {
		return domain.NoFill(req, "rejected: "+placed.ErrorMsg, c.now()), nil
	}

	state, err := c.await(ctx, placed.OrderID)
	if err != nil {
		return domain.Fill{}, err
	}
	return c.toFill(req, state), nil
}

// CancelAll cancels every open order on the account.
func (c *SubmitClient) CancelAll(ctx context.Context) error {
	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"error_msg"`
	}
	if err := c.do(ctx, http.MethodDelete, "/orders", nil, &result); err != nil {
		return fmt.Errorf("polymarket/submit: cancel all: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/submit: cancel all failed: %s", result.ErrorMsg)
	}
	return nil
}

// GetOrder returns the current state of an order.
func (c *SubmitClient) GetOrder(ctx context.Context, orderID string) (OrderState, error) {
	var st OrderState
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &st); err != nil {
		return OrderState{}, fmt.Errorf("polymarket/submit: get order %s: %w", orderID, err)
	}
	return st, nil
}

// await polls an order until it is terminal. On timeout the remainder is
// cancelled and the last observed state is returned.
func (c *SubmitClient) await(ctx context.Context, orderID string) (OrderState, error) {
	deadline := time.NewTimer(c.fillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last OrderState
	for {
		st, err := c.GetOrder(ctx, orderID)
		if err == nil {
			last = st
			if st.terminal() {
				return st, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			cancelErr := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
			if st, err := c.GetOrder(ctx, orderID); err == nil {
				last = st
			}
			if cancelErr != nil && last.SizeMatched == 0 {
				return last, fmt.Errorf("polymarket/submit: cancel %s after timeout: %w", orderID, cancelErr)
			}
			return last, nil
		case <-ticker.C:
		}
	}
}

func (c *SubmitClient) toFill(req domain.ExecutionRequest, st OrderState) domain.Fill {
	size := st.SizeMatched
	if size > req.Size {
		size = req.Size
	}
	if size <= 0 {
		return domain.NoFill(req, "unmatched: "+st.Status, c.now())
	}

	fill := domain.Fill{
		RequestID:      req.ID,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		Price:          st.AvgPrice,
		Size:           size,
		FeeUSD:         st.FeeUSD,
		Outcome:        domain.FillFull,
		Reason:         st.Status,
		FilledAt:       c.now(),
	}
	if fill.Price <= 0 {
		fill.Price = req.Price
	}
	if size < req.Size*0.999 {
		fill.Outcome = domain.FillPartial
	}
	if req.Price > 0 {
		slip := (fill.Price - req.Price) / req.Price * 10000
		if req.Direction == domain.OrderSideSell {
			slip = -slip
		}
		fill.SlippageBps = slip
	}
	return fill
}

// do sends an authenticated JSON request and decodes the reply into out.
func (c *SubmitClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.auth.Headers(method, path, string(body), c.now().Unix()) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ domain.Executor = (*SubmitClient)(nil)
