package postgres

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// tableColumns counts the columns declared for table in the embedded schema.
func tableColumns(t *testing.T, table string) int {
	t.Helper()
	b, err := migrationsFS.ReadFile("migrations/001_flashbot.sql")
	require.NoError(t, err)
	m := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\n\);`).FindStringSubmatch(string(b))
	require.Len(t, m, 2, "table %s", table)
	return len(strings.Split(strings.TrimSpace(m[1]), ",\n"))
}

func TestTradeArgs(t *testing.T) {
	opened := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	args := tradeArgs(domain.TradeRecord{
		ID: "t1", RunID: "r1", PositionID: "p1", Coin: "BTC", Slug: "btc-15m", AssetID: "U",
		Side: domain.SideUp, EntryPrice: 0.2, ExitPrice: 0.3, Size: 25, FeesUSD: 0.05,
		RealizedPnL: decimal.RequireFromString("2.45"), Bankroll: decimal.RequireFromString("22.45"),
		ExitReason: "take_profit", OpenedAt: opened, ClosedAt: opened.Add(time.Minute),
	})

	require.Len(t, args, tableColumns(t, "flashbot_trades"))
	assert.Equal(t, string(domain.SideUp), args[6])
	assert.Equal(t, "2.45", args[11])
	assert.Equal(t, "22.45", args[12])
	assert.Equal(t, "take_profit", args[13])
	assert.Equal(t, opened.Add(time.Minute), args[16])
}

func TestRunArgs(t *testing.T) {
	args := runArgs(domain.RunRecord{
		RunID: "r1", Coin: "ETH", Interval: 15, Mode: "paper",
		StartBankroll: decimal.NewFromInt(20), Bankroll: decimal.RequireFromString("18.5"),
		RealizedPnL: decimal.RequireFromString("-1.5"), TradesClosed: 3,
	})

	require.Len(t, args, tableColumns(t, "flashbot_runs"))
	assert.Equal(t, []any{"20", "18.5", "-1.5"}, args[4:7])
	assert.Equal(t, 3, args[7])
	assert.Nil(t, args[11].(*time.Time))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/flash?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "flash"}))
	assert.Equal(t, "postgres://u:p@db:6543/flash?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "flash", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}
