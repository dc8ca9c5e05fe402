package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or how it was closed.
type PositionStatus string

const (
	PositionStatusOpen          PositionStatus = "OPEN"
	PositionStatusClosedTP      PositionStatus = "CLOSED_TP"
	PositionStatusClosedSL      PositionStatus = "CLOSED_SL"
	PositionStatusClosedTimeout PositionStatus = "CLOSED_TIMEOUT"
)

// ExitReason maps a closed status to the short reason used in logs.
func (s PositionStatus) ExitReason() string {
	switch s {
	case PositionStatusClosedTP:
		return "take_profit"
	case PositionStatusClosedSL:
		return "stop_loss"
	case PositionStatusClosedTimeout:
		return "timeout"
	}
	return ""
}

// Position is the single active holding of the engine.
type Position struct {
	ID         string          `json:"id"`
	AssetID    string          `json:"asset_id"`
	Slug       string          `json:"slug,omitempty"`
	Side       Side            `json:"side"`
	EntryPrice float64         `json:"entry_price"`
	Size       float64         `json:"size"`
	EntryFee   float64         `json:"entry_fee"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	TakeProfit float64         `json:"take_profit"`
	StopLoss   float64         `json:"stop_loss"`
	OpenedAt   time.Time       `json:"opened_at"`
	WindowEnd  time.Time       `json:"window_end"`
	Status     PositionStatus  `json:"status"`
	// Realized accumulates P&L from partial exits.
	Realized decimal.Decimal `json:"realized"`
}

// EffectiveEntry is the entry price including the entry fee per share.
func (p Position) EffectiveEntry() float64 {
	if p.Size <= 0 {
		return p.EntryPrice
	}
	return p.CostBasis.Div(decimal.NewFromFloat(p.Size)).InexactFloat64()
}

// UnrealizedPnL marks the position to mid.
func (p Position) UnrealizedPnL(mid float64) decimal.Decimal {
	value := decimal.NewFromFloat(mid).Mul(decimal.NewFromFloat(p.Size))
	return value.Sub(p.CostBasis)
}
