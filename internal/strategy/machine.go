package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// State is the lifecycle state of the position slot.
type State string

const (
	StateIdle     State = "IDLE"
	StateEntering State = "ENTERING"
	StateOpen     State = "OPEN"
	StateExiting  State = "EXITING"
	StateHalted   State = "HALTED"
)

// Run log event names emitted by the machine.
const (
	EventTradeOpened          = "trade_opened"
	EventTradeOpenSkipped     = "trade_open_skipped"
	EventTradeClosed          = "trade_closed"
	EventTradePartiallyClosed = "trade_partially_closed"
	EventTradeCloseSkipped    = "trade_close_skipped"
	EventKillSwitch           = "kill_switch_triggered"
)

// sizeEpsilon absorbs float noise when comparing share counts.
const sizeEpsilon = 1e-9

// dust is the largest overspend attributed to float rounding in a fill.
var dust = decimal.New(1, -6)

// MachineConfig holds position management parameters.
type MachineConfig struct {
	TakeProfit     float64 // dollars above the effective entry
	StopLoss       float64 // dollars below the effective entry
	MinEntryPrice  float64
	MaxEntryPrice  float64
	MaxDrawdownPct float64 // percent of start bankroll; 0 disables
	Sizing         Sizing

	// FeeReserveBps caps a stake so stake plus this fee fits the bankroll.
	// The paper simulator fits fills itself and leaves it zero.
	FeeReserveBps float64
	Mode          string // "paper" or "live", copied into events
}

// Event is a notable machine transition destined for the run log and
// notifiers.
type Event struct {
	Name   string
	Fields map[string]any
}

// Step is everything a single machine input produced. The caller submits
// Request, records Events and Trades, persists the session when Changed, and
// cancels resting orders when CancelAll is set.
type Step struct {
	Request   *domain.ExecutionRequest
	Events    []Event
	Trades    []domain.TradeRecord
	CancelAll bool
	Changed   bool
}

func (s *Step) event(name string, fields map[string]any) {
	s.Events = append(s.Events, Event{Name: name, Fields: fields})
}

// Machine drives the single position slot through entry, monitoring, exit
// and settlement. It owns the session state and must only be used from the
// decision task.
type Machine struct {
	cfg        MachineConfig
	st         *domain.SessionState
	instrument domain.Instrument

	pending    *domain.ExecutionRequest
	exitStatus domain.PositionStatus // decided exit awaiting a fill
	lastMid    float64               // last mid of the held asset
	noEntries  bool

	newID  func() string
	logger *slog.Logger
}

// NewMachine creates a Machine over st, which may carry a restored position.
func NewMachine(cfg MachineConfig, st *domain.SessionState, logger *slog.Logger) *Machine {
	m := &Machine{
		cfg:    cfg,
		st:     st,
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "machine")),
	}
	if st.Position != nil {
		m.lastMid = st.Position.EntryPrice
	}
	return m
}

// State reports the current lifecycle state. A halted machine still reports
// OPEN or EXITING while it manages a position opened before the halt.
func (m *Machine) State() State {
	switch {
	case m.pending != nil && m.pending.Intent == domain.IntentExit:
		return StateExiting
	case m.pending != nil:
		return StateEntering
	case m.st.Position != nil:
		return StateOpen
	case m.st.Halted:
		return StateHalted
	}
	return StateIdle
}

// Halted reports whether the kill switch has fired.
func (m *Machine) Halted() bool { return m.st.Halted }

// Position returns a copy of the open position, if any.
func (m *Machine) Position() (domain.Position, bool) {
	if m.st.Position == nil {
		return domain.Position{}, false
	}
	return *m.st.Position, true
}

// Pending returns the request awaiting a result, if any.
func (m *Machine) Pending() (domain.ExecutionRequest, bool) {
	if m.pending == nil {
		return domain.ExecutionRequest{}, false
	}
	return *m.pending, true
}

// Snapshot returns a deep copy of the session state.
func (m *Machine) Snapshot() *domain.SessionState {
	return m.st.Clone()
}

// SetInstrument selects the contract new entries are taken on.
func (m *Machine) SetInstrument(inst domain.Instrument) {
	m.instrument = inst
}

// Unrealized marks the open position to the last observed mid of its asset.
func (m *Machine) Unrealized() (decimal.Decimal, bool) {
	if m.st.Position == nil {
		return decimal.Zero, false
	}
	return m.st.Position.UnrealizedPnL(m.lastMid), true
}

// RecordRNG stores the executor's PRNG state in the session.
func (m *Machine) RecordRNG(state []byte) {
	if state != nil {
		m.st.RNGState = state
	}
}

// StopEntries makes the machine ignore all further drop events.
func (m *Machine) StopEntries() {
	m.noEntries = true
}

func (m *Machine) live() bool { return m.cfg.Mode == "live" }

// OnDrop handles a flash crash. bestAsk is the current ask of the crashed
// side, or zero when unknown.
func (m *Machine) OnDrop(ev domain.DropEvent, bestAsk float64) Step {
	var step Step
	log := m.logger.With(slog.String("asset_id", ev.AssetID), slog.String("side", string(ev.Side)))

	if m.noEntries || m.st.Halted || m.pending != nil || m.st.Position != nil {
		log.Debug("drop ignored", slog.String("state", string(m.State())))
		return step
	}
	if m.st.Expired(ev.Timestamp) {
		m.noEntries = true
		log.Info("run window elapsed, entries stopped")
		return step
	}
	if _, ok := m.instrument.SideOf(ev.AssetID); !ok {
		log.Debug("drop on untracked asset ignored")
		return step
	}

	price := bestAsk
	if price <= 0 {
		price = ev.TriggerPrice
	}
	if price < m.cfg.MinEntryPrice || price > m.cfg.MaxEntryPrice {
		log.Info("drop outside entry price band",
			slog.Float64("price", price),
			slog.Float64("min", m.cfg.MinEntryPrice),
			slog.Float64("max", m.cfg.MaxEntryPrice),
		)
		return step
	}

	stake := m.cfg.Sizing.Stake(m.st.Bankroll)
	if m.cfg.FeeReserveBps > 0 {
		reserve := decimal.NewFromInt(1).Add(decimal.NewFromFloat(m.cfg.FeeReserveBps).Div(decimal.NewFromInt(10000)))
		stake = decimal.Min(stake, m.st.Bankroll.DivRound(reserve, 8).RoundDown(6))
	}
	if !stake.IsPositive() {
		step.event(EventTradeOpenSkipped, m.fields(map[string]any{
			"side":     ev.Side,
			"token_id": ev.AssetID,
			"price":    price,
			"reason":   "no available bankroll",
		}))
		return step
	}
	if stake.GreaterThan(m.st.Bankroll) {
		panic(fmt.Sprintf("strategy: stake %s exceeds bankroll %s", stake, m.st.Bankroll))
	}

	req := domain.ExecutionRequest{
		ID:        m.newID(),
		AssetID:   ev.AssetID,
		Side:      ev.Side,
		Direction: domain.OrderSideBuy,
		Intent:    domain.IntentEntry,
		Price:     price,
		Size:      stake.InexactFloat64() / price,
		Bankroll:  m.st.Bankroll,
		Reason:    fmt.Sprintf("drop %.4f (%.4f -> %.4f)", ev.Drop, ev.ReferencePrice, ev.TriggerPrice),
		CreatedAt: ev.Timestamp,
	}
	m.pending = &req
	step.Request = &req

	log.Info("entering",
		slog.String("request_id", req.ID),
		slog.Float64("price", price),
		slog.Float64("size", req.Size),
		slog.String("stake", stake.StringFixed(2)),
	)
	return step
}

// OnSample checks the held position against take-profit, stop-loss and its
// window end. Stop-loss wins when both trigger on the same sample.
func (m *Machine) OnSample(s domain.MidPriceSample) Step {
	pos := m.st.Position
	if pos == nil || s.AssetID != pos.AssetID || s.Mid <= 0 {
		return Step{}
	}
	m.lastMid = s.Mid
	if m.pending != nil {
		return Step{}
	}

	switch {
	case m.exitStatus != "":
		// retry the exit already decided
	case s.Mid <= pos.StopLoss:
		m.exitStatus = domain.PositionStatusClosedSL
	case s.Mid >= pos.TakeProfit:
		m.exitStatus = domain.PositionStatusClosedTP
	case !pos.WindowEnd.IsZero() && !s.Timestamp.Before(pos.WindowEnd):
		m.exitStatus = domain.PositionStatusClosedTimeout
	default:
		return Step{}
	}
	return m.exit(s.Timestamp)
}

// OnTick drives time based transitions: window timeouts, exit retries when
// the feed is quiet, and the end of the run window.
func (m *Machine) OnTick(now time.Time) Step {
	if m.st.Expired(now) && !m.noEntries {
		m.noEntries = true
		m.logger.Info("run window elapsed, entries stopped")
	}
	pos := m.st.Position
	if pos == nil || m.pending != nil {
		return Step{}
	}
	if m.exitStatus == "" {
		if pos.WindowEnd.IsZero() || now.Before(pos.WindowEnd) {
			return Step{}
		}
		m.exitStatus = domain.PositionStatusClosedTimeout
	}
	return m.exit(now)
}

// Flatten force-closes the open position at the last observed mid. It is
// used when the run ends with a position still open.
func (m *Machine) Flatten(now time.Time) Step {
	if m.st.Position == nil || m.pending != nil {
		return Step{}
	}
	if m.exitStatus == "" {
		m.exitStatus = domain.PositionStatusClosedTimeout
	}
	return m.exit(now)
}

func (m *Machine) exit(now time.Time) Step {
	pos := m.st.Position
	price := m.lastMid
	if price <= 0 {
		price = pos.EntryPrice
	}
	req := domain.ExecutionRequest{
		ID:        m.newID(),
		AssetID:   pos.AssetID,
		Side:      pos.Side,
		Direction: domain.OrderSideSell,
		Intent:    domain.IntentExit,
		Price:     price,
		Size:      pos.Size,
		Bankroll:  m.st.Bankroll,
		Reason:    m.exitStatus.ExitReason(),
		CreatedAt: now,
	}
	m.pending = &req

	m.logger.Info("exiting",
		slog.String("request_id", req.ID),
		slog.String("reason", req.Reason),
		slog.Float64("price", price),
		slog.Float64("size", req.Size),
	)
	return Step{Request: &req}
}

// OnFill applies the result of the pending request. Results for any other
// request are ignored.
func (m *Machine) OnFill(req domain.ExecutionRequest, fill domain.Fill, err error) Step {
	if m.pending == nil || m.pending.ID != req.ID {
		m.logger.Warn("result for unknown request ignored", slog.String("request_id", req.ID))
		return Step{}
	}
	m.pending = nil

	if req.Intent == domain.IntentEntry {
		return m.applyEntry(req, fill, err)
	}
	return m.applyExit(req, fill, err)
}

func (m *Machine) applyEntry(req domain.ExecutionRequest, fill domain.Fill, err error) Step {
	var step Step
	if err != nil || !fill.Filled() {
		reason := fill.Reason
		if err != nil {
			reason = err.Error()
		}
		step.event(EventTradeOpenSkipped, m.fields(map[string]any{
			"side":     req.Side,
			"token_id": req.AssetID,
			"price":    req.Price,
			"reason":   reason,
		}))
		m.logger.Warn("entry not filled", slog.String("request_id", req.ID), slog.String("reason", reason))
		return step
	}
	if m.st.Position != nil {
		panic(fmt.Sprintf("strategy: entry fill %s while position %s is open", req.ID, m.st.Position.ID))
	}

	size := decimal.NewFromFloat(fill.Size)
	fee := decimal.NewFromFloat(fill.FeeUSD)
	cost := size.Mul(decimal.NewFromFloat(fill.Price)).Add(fee)
	bankroll := m.st.Bankroll.Sub(cost)
	var overspend decimal.Decimal
	if bankroll.IsNegative() {
		overspend = bankroll.Neg()
		if overspend.GreaterThan(dust) {
			if !m.live() {
				panic(fmt.Sprintf("strategy: entry cost %s exceeds bankroll %s", cost, m.st.Bankroll))
			}
			// The venue filled it; the position is real and must be managed.
			m.logger.Warn("live entry cost exceeds bankroll, clamped",
				slog.String("request_id", req.ID),
				slog.String("cost", cost.String()),
				slog.String("bankroll", m.st.Bankroll.String()),
			)
		}
		cost = m.st.Bankroll
		bankroll = decimal.Zero
	}

	pos := &domain.Position{
		ID:        req.ID,
		AssetID:   req.AssetID,
		Slug:      m.instrument.Slug,
		Side:      req.Side,
		Size:      fill.Size,
		EntryFee:  fill.FeeUSD,
		CostBasis: cost,
		OpenedAt:  fill.FilledAt,
		WindowEnd: m.instrument.WindowEnd,
		Status:    domain.PositionStatusOpen,
		Realized:  decimal.Zero,
	}
	pos.EntryPrice = pos.EffectiveEntry()
	pos.TakeProfit = pos.EntryPrice + m.cfg.TakeProfit
	pos.StopLoss = pos.EntryPrice - m.cfg.StopLoss
	m.st.Position = pos
	m.st.Bankroll = bankroll
	m.st.Stats.TradesOpened++
	m.st.Stats.TotalFees = m.st.Stats.TotalFees.Add(fee)
	m.st.UpdatedAt = fill.FilledAt
	m.lastMid = fill.Price
	m.exitStatus = ""
	step.Changed = true

	step.event(EventTradeOpened, m.fields(map[string]any{
		"side":            pos.Side,
		"token_id":        pos.AssetID,
		"entry_price":     pos.EntryPrice,
		"raw_entry_price": req.Price,
		"fill_price":      fill.Price,
		"size":            pos.Size,
		"order_id":        pos.ID,
		"fee_usd":         fill.FeeUSD,
		"take_profit":     pos.TakeProfit,
		"stop_loss":       pos.StopLoss,
		"outcome":         fill.Outcome,
		"overspend_usd":   overspend.InexactFloat64(),
	}))
	m.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("size", pos.Size),
		slog.Float64("take_profit", pos.TakeProfit),
		slog.Float64("stop_loss", pos.StopLoss),
	)
	m.checkDrawdown(&step, fill.FilledAt)
	return step
}

func (m *Machine) applyExit(req domain.ExecutionRequest, fill domain.Fill, err error) Step {
	var step Step
	pos := m.st.Position
	if pos == nil {
		panic(fmt.Sprintf("strategy: exit fill %s without an open position", req.ID))
	}
	if err != nil || !fill.Filled() {
		reason := fill.Reason
		if err != nil {
			reason = err.Error()
		}
		step.event(EventTradeCloseSkipped, m.fields(map[string]any{
			"side":     pos.Side,
			"token_id": pos.AssetID,
			"price":    req.Price,
			"reason":   reason,
		}))
		m.logger.Warn("exit not filled, will retry", slog.String("request_id", req.ID), slog.String("reason", reason))
		return step
	}

	soldF := min(fill.Size, pos.Size)
	sold := decimal.NewFromFloat(soldF)
	fee := decimal.NewFromFloat(fill.FeeUSD)
	proceeds := sold.Mul(decimal.NewFromFloat(fill.Price)).Sub(fee)
	partial := soldF < pos.Size-sizeEpsilon

	costPortion := pos.CostBasis
	if partial {
		costPortion = pos.CostBasis.Mul(sold).Div(decimal.NewFromFloat(pos.Size))
	}
	pnl := proceeds.Sub(costPortion)
	exitEffective := proceeds.Div(sold).InexactFloat64()

	m.st.Bankroll = m.st.Bankroll.Add(proceeds)
	if m.st.Bankroll.IsNegative() {
		panic(fmt.Sprintf("strategy: bankroll %s negative after exit %s", m.st.Bankroll, req.ID))
	}
	m.st.RealizedPnL = m.st.RealizedPnL.Add(pnl)
	m.st.Stats.TotalFees = m.st.Stats.TotalFees.Add(fee)
	m.st.UpdatedAt = fill.FilledAt
	step.Changed = true

	trade := domain.TradeRecord{
		ID:          req.ID,
		RunID:       m.st.RunID,
		PositionID:  pos.ID,
		Coin:        m.st.Coin,
		Slug:        pos.Slug,
		AssetID:     pos.AssetID,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitEffective,
		Size:        soldF,
		FeesUSD:     fill.FeeUSD,
		RealizedPnL: pnl,
		Bankroll:    m.st.Bankroll,
		ExitReason:  m.exitStatus.ExitReason(),
		Partial:     partial,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    fill.FilledAt,
	}

	name := EventTradeClosed
	remaining := 0.0
	if partial {
		name = EventTradePartiallyClosed
		pos.Size -= soldF
		pos.CostBasis = pos.CostBasis.Sub(costPortion)
		pos.Realized = pos.Realized.Add(pnl)
		remaining = pos.Size
	} else {
		total := pos.Realized.Add(pnl)
		m.st.Stats.TradesClosed++
		if total.IsPositive() {
			m.st.Stats.WinningTrades++
		} else {
			m.st.Stats.LosingTrades++
		}
		pos.Status = m.exitStatus
		m.st.Position = nil
		m.exitStatus = ""
	}
	step.Trades = append(step.Trades, trade)

	result := "loss"
	if pnl.IsPositive() {
		result = "win"
	}
	step.event(name, m.fields(map[string]any{
		"side":           pos.Side,
		"token_id":       pos.AssetID,
		"entry_price":    pos.EntryPrice,
		"exit_price":     exitEffective,
		"raw_exit_price": req.Price,
		"size":           soldF,
		"remaining_size": remaining,
		"pnl":            pnl.InexactFloat64(),
		"result":         result,
		"reason":         trade.ExitReason,
		"hold_seconds":   fill.FilledAt.Sub(pos.OpenedAt).Seconds(),
		"fee_usd":        fill.FeeUSD,
	}))
	m.logger.Info("position reduced",
		slog.String("position_id", pos.ID),
		slog.String("event", name),
		slog.String("reason", trade.ExitReason),
		slog.Float64("exit_price", exitEffective),
		slog.Float64("size", soldF),
		slog.String("pnl", pnl.StringFixed(4)),
		slog.String("bankroll", m.st.Bankroll.StringFixed(4)),
	)
	m.checkDrawdown(&step, fill.FilledAt)
	return step
}

// checkDrawdown engages the kill switch once drawdown reaches the limit.
func (m *Machine) checkDrawdown(step *Step, now time.Time) {
	if m.cfg.MaxDrawdownPct <= 0 || m.st.Halted {
		return
	}
	dd := m.st.Drawdown() * 100
	if dd < m.cfg.MaxDrawdownPct {
		return
	}
	m.st.Halted = true
	m.st.HaltedAt = &now
	step.CancelAll = true
	step.Changed = true
	reason := fmt.Sprintf("drawdown %.2f%% >= %.2f%%", dd, m.cfg.MaxDrawdownPct)
	step.event(EventKillSwitch, m.fields(map[string]any{"reason": reason}))
	m.logger.Error("kill switch triggered", slog.String("reason", reason))
}

// fields adds the common bankroll and mode attributes to an event payload.
func (m *Machine) fields(f map[string]any) map[string]any {
	f["bankroll"] = m.st.Bankroll.InexactFloat64()
	f["mode"] = m.cfg.Mode
	return f
}
