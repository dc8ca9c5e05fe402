package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

func TestKeyPrefix(t *testing.T) {
	for in, want := range map[string]string{
		"":          "flashbot:book:U:bbo",
		":":         "flashbot:book:U:bbo",
		"staging":   "staging:book:U:bbo",
		"staging::": "staging:book:U:bbo",
		"a:b":       "a:b:book:U:bbo",
	} {
		m := NewBookMirror(&Client{prefix: normalizePrefix(in)})
		assert.Equal(t, want, m.bboKey("U"), "prefix %q", in)
	}
	m := NewBookMirror(&Client{prefix: normalizePrefix("")})
	assert.Equal(t, "flashbot:book:U:depth", m.depthKey("U"))
}

func TestBBOFieldsRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 123)
	fields := bboFields(domain.OrderbookSnapshot{
		AssetID: "U", BestBid: 0.19, BestAsk: 0.21, MidPrice: 0.2, Timestamp: at,
	})
	assert.Equal(t, []any{"bid", "0.19", "ask", "0.21", "mid", "0.2", "ts", "1700000000000000123"}, fields)

	vals := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		vals[fields[i].(string)] = fields[i+1].(string)
	}
	bid, ask, err := parseBBO("U", vals)
	require.NoError(t, err)
	assert.Equal(t, 0.19, bid)
	assert.Equal(t, 0.21, ask)
}

func TestParseBBO(t *testing.T) {
	_, _, err := parseBBO("U", map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = parseBBO("U", map[string]string{"bid": "0.4", "ask": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "U ask")
}

func TestTopLevelsCapsDepth(t *testing.T) {
	levels := make([]domain.PriceLevel, mirrorDepth+3)
	for i := range levels {
		levels[i] = domain.PriceLevel{Price: 0.5 - float64(i)/100, Size: 10}
	}
	top := topLevels(levels)
	require.Len(t, top, mirrorDepth)
	assert.Equal(t, 0.5, top[0].Price)

	b, err := json.Marshal(topLevels(levels[:1]))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"price":0.5,"size":10}]`, string(b))
}

func TestHasPattern(t *testing.T) {
	assert.False(t, hasPattern("events"))
	assert.True(t, hasPattern("events:*"))
	assert.True(t, hasPattern("run?"))
	assert.True(t, hasPattern("coin[ab]"))
}
