package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/store/sqlite"
)

var opened = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

func openJournal(t *testing.T) *sqlite.Journal {
	t.Helper()
	j, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func trade(id, runID string, pnl string, closedAfter time.Duration) domain.TradeRecord {
	return domain.TradeRecord{
		ID: id, RunID: runID, PositionID: "pos-" + id, Coin: "BTC",
		Slug: "btc-updown-15m-1714642200", AssetID: "tok", Side: domain.SideDown,
		EntryPrice: 0.2, ExitPrice: 0.31, Size: 100, FeesUSD: 0.31,
		RealizedPnL: decimal.RequireFromString(pnl), Bankroll: decimal.RequireFromString("30.69"),
		ExitReason: "take_profit", OpenedAt: opened, ClosedAt: opened.Add(closedAfter),
	}
}

func TestJournalTrades(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordTrade(ctx, trade("b", "run-1", "-2.5", 2*time.Minute)))
	require.NoError(t, j.RecordTrade(ctx, trade("a", "run-1", "10.69", time.Minute)))
	require.NoError(t, j.RecordTrade(ctx, trade("a", "run-1", "999", time.Minute)), "duplicate ignored")
	partial := trade("c", "run-2", "1", time.Minute)
	partial.Partial = true
	partial.Slug = ""
	require.NoError(t, j.RecordTrade(ctx, partial))

	got, err := j.ListTrades(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "10.69", got[0].RealizedPnL.String())
	assert.True(t, got[0].Won())
	assert.False(t, got[1].Won())
	assert.Equal(t, domain.SideDown, got[0].Side)
	assert.True(t, opened.Equal(got[0].OpenedAt))
	assert.True(t, opened.Add(time.Minute).Equal(got[0].ClosedAt))

	all, err := j.ListTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := j.ListTrades(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := j.ListTrades(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.True(t, other[0].Partial)
	assert.Empty(t, other[0].Slug)
}

func TestJournalRuns(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	run := domain.RunRecord{
		RunID: "run-1", Coin: "ETH", Interval: 5, Mode: "paper",
		StartBankroll: decimal.NewFromInt(20), Bankroll: decimal.NewFromInt(20),
		RealizedPnL: decimal.Zero, StartedAt: opened, EndsAt: opened.Add(24 * time.Hour),
	}
	require.NoError(t, j.UpsertRun(ctx, run))

	finished := opened.Add(3 * time.Hour)
	run.Bankroll = decimal.RequireFromString("13.9")
	run.RealizedPnL = decimal.RequireFromString("-6.1")
	run.TradesClosed = 4
	run.Halted = true
	run.FinishedAt = &finished
	require.NoError(t, j.UpsertRun(ctx, run))

	older := run
	older.RunID = "run-0"
	older.StartedAt = opened.Add(-48 * time.Hour)
	older.FinishedAt = nil
	require.NoError(t, j.UpsertRun(ctx, older))

	runs, err := j.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].RunID, "newest first")
	assert.Equal(t, "13.9", runs[0].Bankroll.String())
	assert.Equal(t, 4, runs[0].TradesClosed)
	assert.True(t, runs[0].Halted)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, finished.Equal(*runs[0].FinishedAt))
	assert.Nil(t, runs[1].FinishedAt)
}
