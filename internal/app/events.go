package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/metrics"
	"github.com/alanyoungcy/flashbot/internal/notify"
	"github.com/alanyoungcy/flashbot/internal/runlog"
	"github.com/alanyoungcy/flashbot/internal/strategy"
)

const (
	outboxSize    = 256
	jobTimeout    = 10 * time.Second
	drainTimeout  = 5 * time.Second
	eventsChannel = "events"
)

type job struct {
	name string
	fn   func(context.Context) error
}

// outbox runs slow side effects (journal writes and event bus publishes) off
// the decision task, in submission order.
type outbox struct {
	jobs   chan job
	logger *slog.Logger
}

func newOutbox(logger *slog.Logger) *outbox {
	return &outbox{
		jobs:   make(chan job, outboxSize),
		logger: logger.With(slog.String("component", "outbox")),
	}
}

// enqueue never blocks; a full queue drops the job.
func (o *outbox) enqueue(name string, fn func(context.Context) error) {
	select {
	case o.jobs <- job{name: name, fn: fn}:
	default:
		o.logger.Warn("outbox full, job dropped", slog.String("job", name))
	}
}

// run executes jobs until ctx is cancelled, then drains what is left within
// drainTimeout.
func (o *outbox) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return nil
		case j := <-o.jobs:
			o.do(ctx, j)
		}
	}
}

func (o *outbox) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case j := <-o.jobs:
			o.do(ctx, j)
		default:
			return
		}
	}
}

func (o *outbox) do(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		o.logger.Warn("job failed", slog.String("job", j.name), slog.String("error", err.Error()))
	}
}

// sink fans engine events and closed trades out to the run log, notifiers,
// the event bus, trade journals and metrics.
type sink struct {
	runID    string
	coin     string
	runlog   *runlog.Writer
	notifier *notify.Notifier
	bus      domain.EventBus
	journals []domain.TradeJournal
	out      *outbox
	logger   *slog.Logger
}

func (s *sink) event(name string, fields map[string]any) {
	s.runlog.Event(name, fields)

	if s.notifier.Enabled() && s.notifier.Allows(name) {
		title, body := notify.Describe(s.coin, name, fields)
		s.notifier.Post(name, title, body)
	}

	if s.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"run_id": s.runID,
			"coin":   s.coin,
			"event":  name,
			"ts":     time.Now().UTC(),
			"fields": fields,
		})
		if err != nil {
			s.logger.Warn("event encode failed", slog.String("event", name), slog.String("error", err.Error()))
			return
		}
		stream := "stream:" + s.coin
		s.out.enqueue("publish "+name, func(ctx context.Context) error {
			if err := s.bus.Publish(ctx, eventsChannel, payload); err != nil {
				return err
			}
			return s.bus.StreamAppend(ctx, stream, payload)
		})
	}
}

func (s *sink) trade(t domain.TradeRecord) {
	result := "loss"
	if t.Won() {
		result = "win"
	}
	if !t.Partial {
		metrics.IncTrade(result)
	}
	for _, j := range s.journals {
		s.out.enqueue("record trade "+t.ID, func(ctx context.Context) error {
			return j.RecordTrade(ctx, t)
		})
	}
}

func (s *sink) run(r domain.RunRecord) {
	for _, j := range s.journals {
		s.out.enqueue("upsert run "+r.RunID, func(ctx context.Context) error {
			return j.UpsertRun(ctx, r)
		})
	}
}

// step publishes everything a machine step produced except its request.
func (s *sink) step(st strategy.Step) {
	for _, ev := range st.Events {
		s.event(ev.Name, ev.Fields)
	}
	for _, t := range st.Trades {
		s.trade(t)
	}
}

// gauges refreshes the session gauges from st.
func gauges(st *domain.SessionState) {
	metrics.SetBankroll(st.Bankroll.InexactFloat64())
	metrics.SetRealizedPnL(st.RealizedPnL.InexactFloat64())
	metrics.SetPositionOpen(st.Position != nil)
}

// runRecord summarizes st for the journals.
func runRecord(st *domain.SessionState, finished *time.Time) domain.RunRecord {
	return domain.RunRecord{
		RunID:         st.RunID,
		Coin:          st.Coin,
		Interval:      st.Interval,
		Mode:          st.Mode,
		StartBankroll: st.StartBankroll,
		Bankroll:      st.Bankroll,
		RealizedPnL:   st.RealizedPnL,
		TradesClosed:  st.Stats.TradesClosed,
		Halted:        st.Halted,
		StartedAt:     st.StartedAt,
		EndsAt:        st.EndsAt,
		FinishedAt:    finished,
	}
}

// statsFields is the summary attached to snapshot and run_finished events.
func statsFields(st *domain.SessionState) map[string]any {
	return map[string]any{
		"bankroll":       st.Bankroll.InexactFloat64(),
		"start_bankroll": st.StartBankroll.InexactFloat64(),
		"realized_pnl":   st.RealizedPnL.InexactFloat64(),
		"trades_opened":  st.Stats.TradesOpened,
		"trades_closed":  st.Stats.TradesClosed,
		"wins":           st.Stats.WinningTrades,
		"losses":         st.Stats.LosingTrades,
		"win_rate":       st.Stats.WinRate(),
		"total_fees":     st.Stats.TotalFees.InexactFloat64(),
		"position_open":  st.Position != nil,
		"halted":         st.Halted,
		"mode":           st.Mode,
	}
}
