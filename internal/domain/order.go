package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Intent distinguishes entry orders from exit orders.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

// ExecutionRequest asks an executor to trade Size shares of AssetID at Price.
type ExecutionRequest struct {
	ID        string
	AssetID   string
	Side      Side
	Direction OrderSide
	Intent    Intent
	Price     float64
	Size      float64
	// Bankroll is the cash available to a buy; executors never spend more.
	Bankroll  decimal.Decimal
	Reason    string
	CreatedAt time.Time
}

// FillOutcome classifies an execution result.
type FillOutcome string

const (
	FillFull    FillOutcome = "FULL"
	FillPartial FillOutcome = "PARTIAL"
	FillNone    FillOutcome = "NONE"
)

// Fill is the executed result of an ExecutionRequest.
type Fill struct {
	RequestID      string
	RequestedPrice float64
	RequestedSize  float64
	Price          float64 // average executed price
	Size           float64 // executed shares, <= RequestedSize
	FeeUSD         float64
	SlippageBps    float64
	Outcome        FillOutcome
	Reason         string
	FilledAt       time.Time
}

// Filled reports whether any shares were executed.
func (f Fill) Filled() bool {
	return f.Outcome != FillNone && f.Size > 0
}

// NoFill builds a NONE fill for req.
func NoFill(req ExecutionRequest, reason string, at time.Time) Fill {
	return Fill{
		RequestID:      req.ID,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		Outcome:        FillNone,
		Reason:         reason,
		FilledAt:       at,
	}
}

// Executor turns execution requests into fills, either simulated or live.
type Executor interface {
	Submit(ctx context.Context, req ExecutionRequest) (Fill, error)
	CancelAll(ctx context.Context) error
}
