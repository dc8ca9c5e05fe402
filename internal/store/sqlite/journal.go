// Package sqlite implements the local trade journal on SQLite (pure Go, no
// cgo). The journal backs the report subcommand.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id         TEXT PRIMARY KEY,
    coin           TEXT    NOT NULL,
    interval_min   INTEGER NOT NULL,
    mode           TEXT    NOT NULL,
    start_bankroll TEXT    NOT NULL,
    bankroll       TEXT    NOT NULL,
    realized_pnl   TEXT    NOT NULL,
    trades_closed  INTEGER NOT NULL DEFAULT 0,
    halted         INTEGER NOT NULL DEFAULT 0,
    started_at     TEXT    NOT NULL,
    ends_at        TEXT    NOT NULL,
    finished_at    TEXT
);

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    run_id       TEXT    NOT NULL,
    position_id  TEXT    NOT NULL,
    coin         TEXT    NOT NULL,
    slug         TEXT,
    asset_id     TEXT    NOT NULL,
    side         TEXT    NOT NULL,
    entry_price  REAL    NOT NULL,
    exit_price   REAL    NOT NULL,
    size         REAL    NOT NULL,
    fees_usd     REAL    NOT NULL DEFAULT 0,
    realized_pnl TEXT    NOT NULL,
    bankroll     TEXT    NOT NULL,
    exit_reason  TEXT    NOT NULL,
    partial      INTEGER NOT NULL DEFAULT 0,
    opened_at    TEXT    NOT NULL,
    closed_at    TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run    ON trades(run_id, closed_at);
CREATE INDEX IF NOT EXISTS idx_runs_started  ON runs(started_at DESC);
`

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal implements domain.TradeJournal on a SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTrade inserts t. Recording the same trade id twice is a no-op.
func (j *Journal) RecordTrade(ctx context.Context, t domain.TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, run_id, position_id, coin, slug, asset_id, side,
			entry_price, exit_price, size, fees_usd, realized_pnl, bankroll,
			exit_reason, partial, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.RunID, t.PositionID, t.Coin, t.Slug, t.AssetID, string(t.Side),
		t.EntryPrice, t.ExitPrice, t.Size, t.FeesUSD, t.RealizedPnL.String(), t.Bankroll.String(),
		t.ExitReason, boolInt(t.Partial), formatTime(t.OpenedAt), formatTime(t.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record trade %s: %w", t.ID, err)
	}
	return nil
}

// UpsertRun inserts or refreshes the summary row of a run.
func (j *Journal) UpsertRun(ctx context.Context, r domain.RunRecord) error {
	var finished any
	if r.FinishedAt != nil {
		finished = formatTime(*r.FinishedAt)
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, coin, interval_min, mode, start_bankroll, bankroll,
			realized_pnl, trades_closed, halted, started_at, ends_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			bankroll      = excluded.bankroll,
			realized_pnl  = excluded.realized_pnl,
			trades_closed = excluded.trades_closed,
			halted        = excluded.halted,
			ends_at       = excluded.ends_at,
			finished_at   = excluded.finished_at`,
		r.RunID, r.Coin, r.Interval, r.Mode, r.StartBankroll.String(), r.Bankroll.String(),
		r.RealizedPnL.String(), r.TradesClosed, boolInt(r.Halted),
		formatTime(r.StartedAt), formatTime(r.EndsAt), finished,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert run %s: %w", r.RunID, err)
	}
	return nil
}

// ListTrades returns the trades of runID in close order, or of every run
// when runID is empty. A limit of 0 returns all rows.
func (j *Journal) ListTrades(ctx context.Context, runID string, limit int) ([]domain.TradeRecord, error) {
	query := `
		SELECT id, run_id, position_id, coin, slug, asset_id, side,
		       entry_price, exit_price, size, fees_usd, realized_pnl, bankroll,
		       exit_reason, partial, opened_at, closed_at
		FROM trades`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY closed_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			t                  domain.TradeRecord
			side, pnl, bank    string
			slug               sql.NullString
			partial            int
			openedAt, closedAt string
		)
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.PositionID, &t.Coin, &slug, &t.AssetID, &side,
			&t.EntryPrice, &t.ExitPrice, &t.Size, &t.FeesUSD, &pnl, &bank,
			&t.ExitReason, &partial, &openedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Slug = slug.String
		t.Partial = partial != 0
		if t.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("sqlite: trade %s pnl: %w", t.ID, err)
		}
		if t.Bankroll, err = decimal.NewFromString(bank); err != nil {
			return nil, fmt.Errorf("sqlite: trade %s bankroll: %w", t.ID, err)
		}
		t.OpenedAt = parseTime(openedAt)
		t.ClosedAt = parseTime(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRuns returns run summaries, newest first. A limit of 0 returns all.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	query := `
		SELECT run_id, coin, interval_min, mode, start_bankroll, bankroll,
		       realized_pnl, trades_closed, halted, started_at, ends_at, finished_at
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		var (
			r                 domain.RunRecord
			start, bank, pnl  string
			halted            int
			startedAt, endsAt string
			finishedAt        sql.NullString
		)
		if err := rows.Scan(
			&r.RunID, &r.Coin, &r.Interval, &r.Mode, &start, &bank,
			&pnl, &r.TradesClosed, &halted, &startedAt, &endsAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		r.StartBankroll, _ = decimal.NewFromString(start)
		r.Bankroll, _ = decimal.NewFromString(bank)
		r.RealizedPnL, _ = decimal.NewFromString(pnl)
		r.Halted = halted != 0
		r.StartedAt = parseTime(startedAt)
		r.EndsAt = parseTime(endsAt)
		if finishedAt.Valid {
			ts := parseTime(finishedAt.String)
			r.FinishedAt = &ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.TradeJournal = (*Journal)(nil)
