package statefile_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/store/statefile"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sessionWithPosition() *domain.SessionState {
	st := domain.NewSessionState("run-a", decimal.NewFromInt(20), start, 24*time.Hour, 99)
	st.Coin, st.Interval, st.Mode = "BTC", 15, "paper"
	st.Bankroll = decimal.RequireFromString("14.2731")
	st.RealizedPnL = decimal.RequireFromString("-1.1")
	st.Stats.TradesOpened = 3
	st.Stats.TradesClosed = 2
	st.Stats.LosingTrades = 2
	st.RNGState = []byte("pcg:state-bytes")
	st.Position = &domain.Position{
		ID: "pos-1", AssetID: "tok-up", Side: domain.SideUp,
		EntryPrice: 0.2116, Size: 22.5, EntryFee: 0.0285,
		CostBasis:  decimal.RequireFromString("4.761"),
		TakeProfit: 0.3116, StopLoss: 0.1616,
		OpenedAt:   start.Add(time.Hour), WindowEnd: start.Add(time.Hour + 15*time.Minute),
		Status:     domain.PositionStatusOpen, Realized: decimal.Zero,
	}
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	want := sessionWithPosition()

	require.NoError(t, statefile.Save(path, want))
	got, err := statefile.Load(path)
	require.NoError(t, err)

	assert.True(t, want.Bankroll.Equal(got.Bankroll))
	assert.True(t, want.RealizedPnL.Equal(got.RealizedPnL))
	assert.True(t, want.EndsAt.Equal(got.EndsAt))
	assert.Equal(t, want.Stats.TradesOpened, got.Stats.TradesOpened)
	assert.Equal(t, want.RNGState, got.RNGState)
	require.NotNil(t, got.Position)
	assert.Equal(t, want.Position.Size, got.Position.Size)
	assert.True(t, want.Position.CostBasis.Equal(got.Position.CostBasis))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := statefile.Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o644))
	_, err = statefile.Load(garbage)
	assert.ErrorIs(t, err, domain.ErrStateCorrupt)

	newer := filepath.Join(dir, "newer.json")
	require.NoError(t, os.WriteFile(newer, []byte(`{"version": 7, "bankroll": "10"}`), 0o644))
	_, err = statefile.Load(newer)
	assert.ErrorIs(t, err, domain.ErrStateCorrupt)

	negative := filepath.Join(dir, "negative.json")
	require.NoError(t, os.WriteFile(negative, []byte(`{"version": 1, "bankroll": "-1"}`), 0o644))
	_, err = statefile.Load(negative)
	assert.ErrorIs(t, err, domain.ErrStateCorrupt)
}

func TestLoadToleratesUnknownAndMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bankroll": "12.5", "extra": {"a": 1}}`), 0o644))

	st, err := statefile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateVersion, st.Version)
	assert.Equal(t, "12.5", st.Bankroll.String())
	assert.Nil(t, st.Position)
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, statefile.Reset(path), "missing file is fine")
	require.NoError(t, statefile.Save(path, sessionWithPosition()))
	require.NoError(t, statefile.Reset(path))
	_, err := statefile.Load(path)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func resumeOpts(now time.Time) statefile.ResumeOptions {
	return statefile.ResumeOptions{
		Resume: true,
		Now:    now,
		Fresh: func() *domain.SessionState {
			st := domain.NewSessionState("run-new", decimal.NewFromInt(20), now, 24*time.Hour, 5)
			st.Coin, st.Interval, st.Mode = "BTC", 15, "paper"
			return st
		},
	}
}

func TestResumeKeepsPositionBankrollAndEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	saved := sessionWithPosition()
	require.NoError(t, statefile.Save(path, saved))

	now := start.Add(3 * time.Hour)
	st, resumed, err := statefile.Resume(path, resumeOpts(now), quietLogger())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, "run-a", st.RunID)
	assert.True(t, saved.Bankroll.Equal(st.Bankroll))
	assert.True(t, saved.EndsAt.Equal(st.EndsAt), "original end kept")
	require.NotNil(t, st.Position)
	assert.Equal(t, "pos-1", st.Position.ID)
	assert.Equal(t, saved.RNGState, st.RNGState)
}

func TestResumeReplacesElapsedEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, statefile.Save(path, sessionWithPosition()))

	now := start.Add(48 * time.Hour)
	st, resumed, err := statefile.Resume(path, resumeOpts(now), quietLogger())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.True(t, st.EndsAt.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, "14.2731", st.Bankroll.String())
}

func TestResumeFreshCases(t *testing.T) {
	dir := t.TempDir()
	now := start.Add(time.Hour)

	// corrupt
	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("]["), 0o644))
	st, resumed, err := statefile.Resume(corrupt, resumeOpts(now), quietLogger())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "run-new", st.RunID)

	// other market
	other := filepath.Join(dir, "other.json")
	eth := sessionWithPosition()
	eth.Coin = "ETH"
	require.NoError(t, statefile.Save(other, eth))
	_, resumed, err = statefile.Resume(other, resumeOpts(now), quietLogger())
	require.NoError(t, err)
	assert.False(t, resumed)

	// no-resume leaves the file alone
	path := filepath.Join(dir, "state.json")
	require.NoError(t, statefile.Save(path, sessionWithPosition()))
	opts := resumeOpts(now)
	opts.Resume = false
	st, resumed, err = statefile.Resume(path, opts, quietLogger())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Nil(t, st.Position)
	assert.FileExists(t, path)

	// reset removes it
	opts.Reset = true
	_, resumed, err = statefile.Resume(path, opts, quietLogger())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NoFileExists(t, path)
}
