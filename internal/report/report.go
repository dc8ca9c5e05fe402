// Package report renders journaled runs and trades as terminal tables.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// Source is the read side of a trade journal.
type Source interface {
	ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
	ListTrades(ctx context.Context, runID string, limit int) ([]domain.TradeRecord, error)
}

const timeLayout = "01-02 15:04:05"

// Runs prints the newest runs.
func Runs(ctx context.Context, out io.Writer, src Source, limit int) error {
	runs, err := src.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("report: list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Run", "Coin", "Mode", "Started", "Finished", "Start$", "Bankroll$", "PnL$", "Trades", "Halted")
	for _, r := range runs {
		finished := "running"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.UTC().Format(timeLayout)
		}
		halted := ""
		if r.Halted {
			halted = "yes"
		}
		table.Append(
			shortID(r.RunID),
			fmt.Sprintf("%s/%dm", r.Coin, r.Interval),
			r.Mode,
			r.StartedAt.UTC().Format(timeLayout),
			finished,
			r.StartBankroll.StringFixed(2),
			r.Bankroll.StringFixed(2),
			signed(r.RealizedPnL),
			fmt.Sprintf("%d", r.TradesClosed),
			halted,
		)
	}
	return table.Render()
}

// Trades prints the trades of one run, or of all runs when runID is empty,
// followed by a win/loss summary.
func Trades(ctx context.Context, out io.Writer, src Source, runID string, limit int) error {
	trades, err := src.ListTrades(ctx, runID, limit)
	if err != nil {
		return fmt.Errorf("report: list trades: %w", err)
	}
	if len(trades) == 0 {
		fmt.Fprintln(out, "no trades recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Closed", "Market", "Side", "Entry", "Exit", "Size", "Fees$", "PnL$", "Reason", "Hold")
	for _, t := range trades {
		reason := t.ExitReason
		if t.Partial {
			reason += " (partial)"
		}
		table.Append(
			t.ClosedAt.UTC().Format(timeLayout),
			t.Slug,
			string(t.Side),
			fmt.Sprintf("%.4f", t.EntryPrice),
			fmt.Sprintf("%.4f", t.ExitPrice),
			fmt.Sprintf("%.2f", t.Size),
			fmt.Sprintf("%.4f", t.FeesUSD),
			signed(t.RealizedPnL),
			reason,
			t.ClosedAt.Sub(t.OpenedAt).Round(time.Second).String(),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}

	s := Summarize(trades)
	fmt.Fprintf(out, "  trades: %d  wins: %d  losses: %d  win rate: %.1f%%  pnl: %s  fees: %.4f\n",
		s.Closed, s.Wins, s.Losses, s.WinRate*100, signed(s.PnL), s.Fees)
	return nil
}

// Summary aggregates journaled trades. Partial closes add to PnL and fees
// but only final closes count as trades.
type Summary struct {
	Closed  int
	Wins    int
	Losses  int
	WinRate float64
	PnL     decimal.Decimal
	Fees    float64
}

// Summarize folds trades into a Summary. Partial rows are merged into the
// final close of the same position.
func Summarize(trades []domain.TradeRecord) Summary {
	var s Summary
	byPosition := make(map[string]decimal.Decimal)
	for _, t := range trades {
		s.PnL = s.PnL.Add(t.RealizedPnL)
		s.Fees += t.FeesUSD
		byPosition[t.PositionID] = byPosition[t.PositionID].Add(t.RealizedPnL)
		if t.Partial {
			continue
		}
		s.Closed++
		if byPosition[t.PositionID].IsPositive() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.Closed > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Closed)
	}
	return s
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(4)
	}
	return "+" + d.StringFixed(4)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
