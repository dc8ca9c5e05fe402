package runlog_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/runlog"
)

func TestFileName(t *testing.T) {
	at := time.Date(2024, 7, 9, 13, 4, 5, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "20240709-120405-flash_crash-eth-5m-abcd1234.jsonl",
		runlog.FileName(at, "flash_crash", "ETH", 5, "abcd1234"))
}

func TestWriterRows(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 7, 9, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	w, err := runlog.Open(runlog.Options{
		Dir: filepath.Join(dir, "runs"), Strategy: "flash_crash", Coin: "BTC", Interval: 15,
		ID: "deadbeef", Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "runs", "20240709-120000-flash_crash-btc-15m-deadbeef.jsonl"), w.Path())

	w.Event(runlog.EventRunStarted, map[string]any{"coin": "BTC", "bankroll": decimal.RequireFromString("20.00")})
	clock = clock.Add(1500 * time.Millisecond)
	w.Event("trade_opened", map[string]any{"side": "up", "size": 100.0})
	require.NoError(t, w.Close())

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)

	assert.Equal(t, "run_started", rows[0]["event"])
	assert.Equal(t, "2024-07-09T12:00:00Z", rows[0]["ts"])
	assert.Equal(t, 0.0, rows[0]["elapsed_s"])
	assert.Equal(t, "20", rows[0]["bankroll"])
	assert.NotContains(t, rows[0], "level")

	assert.Equal(t, "trade_opened", rows[1]["event"])
	assert.Equal(t, 1.5, rows[1]["elapsed_s"])
	assert.Equal(t, "up", rows[1]["side"])
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *runlog.Writer
	w.Event("x", nil)
	assert.Empty(t, w.Path())
	assert.NoError(t, w.Close())
}
