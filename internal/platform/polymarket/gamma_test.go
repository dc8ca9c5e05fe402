package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// 2024-01-01T00:07:30Z, inside the 00:00 15m window.
var gammaNow = time.Date(2024, 1, 1, 0, 7, 30, 0, time.UTC)

const windowStartUnix = 1704067200

func gammaServer(t *testing.T, markets map[string]string) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimPrefix(r.URL.Path, "/markets/slug/")
		mu.Lock()
		requested = append(requested, slug)
		mu.Unlock()
		body, ok := markets[slug]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &requested
}

func TestSlugAndWindow(t *testing.T) {
	start := WindowStart(gammaNow, 15)
	assert.Equal(t, int64(windowStartUnix), start.Unix())
	assert.Equal(t, "btc-updown-15m-1704067200", SlugFor("BTC", 15, start))
	assert.Equal(t, int64(windowStartUnix+300), WindowStart(gammaNow, 5).Unix())
}

func TestCurrentInstrumentUsesCurrentWindow(t *testing.T) {
	srv, requested := gammaServer(t, map[string]string{
		"eth-updown-15m-1704067200": `{
			"slug":"eth-updown-15m-1704067200","conditionId":"0xabc","question":"ETH up or down?",
			"acceptingOrders":true,"closed":false,
			"outcomes":"[\"Down\", \"Up\"]","clobTokenIds":"[\"tok-down\", \"tok-up\"]",
			"endDate":"2024-01-01T00:15:00Z"}`,
	})

	g := NewGammaClient(srv.URL, 0).WithClock(func() time.Time { return gammaNow })
	inst, err := g.CurrentInstrument(context.Background(), "ETH", 15)
	require.NoError(t, err)

	assert.Equal(t, "tok-up", inst.UpTokenID)
	assert.Equal(t, "tok-down", inst.DownTokenID)
	assert.Equal(t, "0xabc", inst.ConditionID)
	assert.Equal(t, "ETH", inst.Coin)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), inst.WindowEnd.UTC())
	assert.Equal(t, []string{"eth-updown-15m-1704067200"}, *requested)

	side, ok := inst.SideOf("tok-down")
	assert.True(t, ok)
	assert.Equal(t, domain.SideDown, side)
}

func TestCurrentInstrumentFallsBackToPreviousWindow(t *testing.T) {
	srv, requested := gammaServer(t, map[string]string{
		"btc-updown-15m-1704068100": `{"slug":"next","acceptingOrders":false,"clobTokenIds":["u","d"]}`,
		"btc-updown-15m-1704066300": `{"slug":"prev","acceptingOrders":"true","clobTokenIds":["u","d"]}`,
	})

	g := NewGammaClient(srv.URL, 0).WithClock(func() time.Time { return gammaNow })
	inst, err := g.CurrentInstrument(context.Background(), "btc", 15)
	require.NoError(t, err)

	assert.Equal(t, "prev", inst.Slug)
	assert.Equal(t, "u", inst.UpTokenID, "default outcome order is Up, Down")
	assert.Equal(t, int64(1704066300+900), inst.WindowEnd.Unix())
	assert.Equal(t, []string{
		"btc-updown-15m-1704067200",
		"btc-updown-15m-1704068100",
		"btc-updown-15m-1704066300",
	}, *requested)
}

func TestCurrentInstrumentNoMarket(t *testing.T) {
	srv, _ := gammaServer(t, map[string]string{})
	g := NewGammaClient(srv.URL, 0).WithClock(func() time.Time { return gammaNow })

	_, err := g.CurrentInstrument(context.Background(), "SOL", 5)
	assert.ErrorIs(t, err, domain.ErrNoMarket)
}

func TestCurrentInstrumentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, 0).WithClock(func() time.Time { return gammaNow })
	_, err := g.CurrentInstrument(context.Background(), "BTC", 15)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNoMarket)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestToInstrumentRequiresBothTokens(t *testing.T) {
	m := APIMarket{Slug: "x", ClobTokenIDs: flexStrings{"only-one"}}
	_, err := m.ToInstrument("BTC", 15, gammaNow)
	assert.Error(t, err)
}
