package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one closed (or partially closed) round trip.
type TradeRecord struct {
	ID          string
	RunID       string
	PositionID  string
	Coin        string
	Slug        string
	AssetID     string
	Side        Side
	EntryPrice  float64
	ExitPrice   float64
	Size        float64
	FeesUSD     float64
	RealizedPnL decimal.Decimal
	Bankroll    decimal.Decimal
	ExitReason  string
	Partial     bool
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Won reports whether the trade made money after fees.
func (t TradeRecord) Won() bool {
	return t.RealizedPnL.IsPositive()
}

// RunRecord summarizes a run for the stores.
type RunRecord struct {
	RunID         string
	Coin          string
	Interval      int
	Mode          string
	StartBankroll decimal.Decimal
	Bankroll      decimal.Decimal
	RealizedPnL   decimal.Decimal
	TradesClosed  int
	Halted        bool
	StartedAt     time.Time
	EndsAt        time.Time
	FinishedAt    *time.Time
}
