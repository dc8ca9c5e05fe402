package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStateVersion is the current state file schema version.
const SessionStateVersion = 1

// SessionStats are cumulative counters for a session.
type SessionStats struct {
	TradesOpened  int             `json:"trades_opened"`
	TradesClosed  int             `json:"trades_closed"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	TotalFees     decimal.Decimal `json:"total_fees"`
}

// WinRate is the share of closed trades that were profitable.
func (s SessionStats) WinRate() float64 {
	if s.TradesClosed == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TradesClosed)
}

// SessionState is the durable state of one bounded run.
type SessionState struct {
	Version       int             `json:"version"`
	RunID         string          `json:"run_id"`
	Coin          string          `json:"coin"`
	Interval      int             `json:"interval_minutes"`
	Mode          string          `json:"mode"`
	StartBankroll decimal.Decimal `json:"start_bankroll"`
	Bankroll      decimal.Decimal `json:"bankroll"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	StartedAt     time.Time       `json:"started_at"`
	EndsAt        time.Time       `json:"ends_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Position      *Position       `json:"position,omitempty"`
	Halted        bool            `json:"halted"`
	HaltedAt      *time.Time      `json:"halted_at,omitempty"`
	Stats         SessionStats    `json:"stats"`
	RNGSeed       uint64          `json:"rng_seed"`
	RNGState      []byte          `json:"rng_state,omitempty"`
}

// NewSessionState starts a fresh session with the given bankroll and duration.
func NewSessionState(runID string, bankroll decimal.Decimal, start time.Time, d time.Duration, seed uint64) *SessionState {
	return &SessionState{
		Version:       SessionStateVersion,
		RunID:         runID,
		StartBankroll: bankroll,
		Bankroll:      bankroll,
		RealizedPnL:   decimal.Zero,
		StartedAt:     start,
		EndsAt:        start.Add(d),
		UpdatedAt:     start,
		Stats:         SessionStats{TotalFees: decimal.Zero},
		RNGSeed:       seed,
	}
}

// Drawdown is the fractional loss of equity against the start bankroll.
// Open positions are valued at cost.
func (s *SessionState) Drawdown() float64 {
	if !s.StartBankroll.IsPositive() {
		return 0
	}
	equity := s.Bankroll
	if s.Position != nil {
		equity = equity.Add(s.Position.CostBasis)
	}
	dd := s.StartBankroll.Sub(equity).Div(s.StartBankroll)
	if dd.IsNegative() {
		return 0
	}
	return dd.InexactFloat64()
}

// Expired reports whether the session deadline has passed.
func (s *SessionState) Expired(now time.Time) bool {
	return !s.EndsAt.IsZero() && !now.Before(s.EndsAt)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if s.HaltedAt != nil {
		t := *s.HaltedAt
		c.HaltedAt = &t
	}
	if s.RNGState != nil {
		c.RNGState = append([]byte(nil), s.RNGState...)
	}
	return &c
}
