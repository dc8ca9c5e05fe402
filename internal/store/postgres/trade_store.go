package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// TradeStore implements domain.TradeJournal on PostgreSQL. Decimals travel
// as text and are stored as NUMERIC.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore on the client's pool.
func NewTradeStore(c *Client) *TradeStore {
	return &TradeStore{pool: c.pool}
}

// RecordTrade inserts t, ignoring a trade id that is already stored.
func (s *TradeStore) RecordTrade(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO flashbot_trades (
			id, run_id, position_id, coin, slug, asset_id, side,
			entry_price, exit_price, size, fees_usd, realized_pnl, bankroll,
			exit_reason, partial, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12::numeric, $13::numeric,
			$14, $15, $16, $17
		) ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, tradeArgs(t)...); err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", t.ID, err)
	}
	return nil
}

// UpsertRun inserts or refreshes a run summary.
func (s *TradeStore) UpsertRun(ctx context.Context, r domain.RunRecord) error {
	const query = `
		INSERT INTO flashbot_runs (
			run_id, coin, interval_min, mode, start_bankroll, bankroll,
			realized_pnl, trades_closed, halted, started_at, ends_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6::numeric,
			$7::numeric, $8, $9, $10, $11, $12
		) ON CONFLICT (run_id) DO UPDATE SET
			bankroll      = EXCLUDED.bankroll,
			realized_pnl  = EXCLUDED.realized_pnl,
			trades_closed = EXCLUDED.trades_closed,
			halted        = EXCLUDED.halted,
			ends_at       = EXCLUDED.ends_at,
			finished_at   = EXCLUDED.finished_at`

	if _, err := s.pool.Exec(ctx, query, runArgs(r)...); err != nil {
		return fmt.Errorf("postgres: upsert run %s: %w", r.RunID, err)
	}
	return nil
}

// tradeArgs orders t's columns for the insert; decimals are sent as text.
func tradeArgs(t domain.TradeRecord) []any {
	return []any{
		t.ID, t.RunID, t.PositionID, t.Coin, t.Slug, t.AssetID, string(t.Side),
		t.EntryPrice, t.ExitPrice, t.Size, t.FeesUSD, t.RealizedPnL.String(), t.Bankroll.String(),
		t.ExitReason, t.Partial, t.OpenedAt, t.ClosedAt,
	}
}

func runArgs(r domain.RunRecord) []any {
	return []any{
		r.RunID, r.Coin, r.Interval, r.Mode, r.StartBankroll.String(), r.Bankroll.String(),
		r.RealizedPnL.String(), r.TradesClosed, r.Halted, r.StartedAt, r.EndsAt, r.FinishedAt,
	}
}

// ListTrades returns the trades of runID in close order; an empty runID
// lists every run and a zero limit returns all rows.
func (s *TradeStore) ListTrades(ctx context.Context, runID string, limit int) ([]domain.TradeRecord, error) {
	query := `
		SELECT id, run_id, position_id, coin, slug, asset_id, side,
		       entry_price, exit_price, size, fees_usd, realized_pnl::text, bankroll::text,
		       exit_reason, partial, opened_at, closed_at
		FROM flashbot_trades
		WHERE ($1::text = '' OR run_id = $1::text)
		ORDER BY closed_at, id`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	trades, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

func scanTrade(row pgx.CollectableRow) (domain.TradeRecord, error) {
	var (
		t         domain.TradeRecord
		side      string
		pnl, bank string
	)
	if err := row.Scan(
		&t.ID, &t.RunID, &t.PositionID, &t.Coin, &t.Slug, &t.AssetID, &side,
		&t.EntryPrice, &t.ExitPrice, &t.Size, &t.FeesUSD, &pnl, &bank,
		&t.ExitReason, &t.Partial, &t.OpenedAt, &t.ClosedAt,
	); err != nil {
		return t, err
	}
	t.Side = domain.Side(side)
	var err error
	if t.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return t, err
	}
	t.Bankroll, err = decimal.NewFromString(bank)
	return t, err
}

var _ domain.TradeJournal = (*TradeStore)(nil)
