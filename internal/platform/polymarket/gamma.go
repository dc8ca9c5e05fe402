package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, used here to
// discover the Up/Down contract trading in the current window.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
// ratePerSec bounds request rate; <= 0 disables limiting.
func NewGammaClient(baseURL string, ratePerSec float64) *GammaClient {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 5),
		now:     time.Now,
	}
}

// WithClock overrides the time source used to compute windows.
func (g *GammaClient) WithClock(now func() time.Time) *GammaClient {
	g.now = now
	return g
}

// SlugFor builds the market slug for a coin/interval window start.
func SlugFor(coin string, intervalMinutes int, windowStart time.Time) string {
	return fmt.Sprintf("%s-updown-%dm-%d", strings.ToLower(coin), intervalMinutes, windowStart.Unix())
}

// WindowStart truncates now to the start of its interval window.
func WindowStart(now time.Time, intervalMinutes int) time.Time {
	step := int64(intervalMinutes) * 60
	return time.Unix(now.Unix()/step*step, 0).UTC()
}

// CurrentInstrument returns the contract accepting orders for coin/interval.
// It tries the current window, then the next, then the previous one.
func (g *GammaClient) CurrentInstrument(ctx context.Context, coin string, intervalMinutes int) (domain.Instrument, error) {
	if intervalMinutes <= 0 {
		return domain.Instrument{}, fmt.Errorf("polymarket/gamma: invalid interval %d", intervalMinutes)
	}
	step := time.Duration(intervalMinutes) * time.Minute
	current := WindowStart(g.now(), intervalMinutes)

	for _, start := range []time.Time{current, current.Add(step), current.Add(-step)} {
		slug := SlugFor(coin, intervalMinutes, start)
		m, err := g.GetMarketBySlug(ctx, slug)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Instrument{}, err
		}
		if !bool(m.AcceptingOrders) || bool(m.Closed) {
			continue
		}
		inst, err := m.ToInstrument(strings.ToUpper(coin), intervalMinutes, start)
		if err != nil {
			return domain.Instrument{}, fmt.Errorf("polymarket/gamma: %w", err)
		}
		return inst, nil
	}
	return domain.Instrument{}, fmt.Errorf("polymarket/gamma: %s %dm: %w", coin, intervalMinutes, domain.ErrNoMarket)
}

// GetMarketBySlug returns a single market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	path := "/markets/slug/" + url.PathEscape(slug)

	body, err := g.doGet(ctx, path)
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var m APIMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode market %s: %w", slug, err)
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkHTTPStatus maps non-2xx responses onto domain sentinels.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.MarketLocator = (*GammaClient)(nil)
