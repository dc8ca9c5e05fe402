package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashbot/internal/config"
	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/executor"
	"github.com/alanyoungcy/flashbot/internal/feed"
	"github.com/alanyoungcy/flashbot/internal/metrics"
	"github.com/alanyoungcy/flashbot/internal/platform/polymarket"
	"github.com/alanyoungcy/flashbot/internal/runlog"
	"github.com/alanyoungcy/flashbot/internal/store/statefile"
	"github.com/alanyoungcy/flashbot/internal/strategy"
)

const (
	tickInterval   = time.Second
	rollRetry      = 5 * time.Second
	cancelAttempts = 3
	cancelBackoff  = 500 * time.Millisecond
)

// Stream is the feed surface the decision task consumes. *feed.Client
// implements it.
type Stream interface {
	Samples() <-chan domain.MidPriceSample
	LatestSnapshot(assetID string) (domain.OrderbookSnapshot, bool)
	SubscribeInstrument(ctx context.Context, inst domain.Instrument) error
}

// Session is one attempt of the trading pipeline: a feed task, an executor
// task and the decision task that owns the machine. A Session is built from
// the last persisted state and never outlives a supervisor attempt.
type Session struct {
	cfg      *config.Config
	deps     *Dependencies
	sink     *sink
	machine  *strategy.Machine
	detector *strategy.Detector
	exec     domain.Executor
	logger   *slog.Logger

	instrument domain.Instrument
	endsAt     time.Time
	nextRoll   time.Time
	now        func() time.Time
	cancels    sync.WaitGroup
}

// NewSession prepares a pipeline attempt over st.
func NewSession(cfg *config.Config, deps *Dependencies, sk *sink, st *domain.SessionState, logger *slog.Logger) (*Session, error) {
	exec, err := newExecutor(cfg, deps, st)
	if err != nil {
		return nil, err
	}
	mode := "paper"
	var feeReserve float64
	if !cfg.Run.Demo {
		mode = "live"
		feeReserve = cfg.Live.FeeReserveBps
	}
	return &Session{
		cfg:  cfg,
		deps: deps,
		sink: sk,
		machine: strategy.NewMachine(strategy.MachineConfig{
			TakeProfit:     cfg.Strategy.TakeProfit,
			StopLoss:       cfg.Strategy.StopLoss,
			MinEntryPrice:  cfg.Strategy.MinEntryPrice,
			MaxEntryPrice:  cfg.Strategy.MaxEntryPrice,
			MaxDrawdownPct: cfg.Strategy.MaxDrawdownPct,
			Sizing: strategy.Sizing{
				FixedUSD: cfg.Strategy.SizeUSD,
				Percent:  cfg.Strategy.SizePercent,
				MaxUSD:   cfg.Strategy.MaxSizeUSD,
			},
			FeeReserveBps: feeReserve,
			Mode:          mode,
		}, st, logger),
		detector: strategy.NewDetector(strategy.DetectorConfig{
			Threshold: cfg.Strategy.DropThreshold,
			Lookback:  cfg.Strategy.Lookback.Duration,
			Cooldown:  cfg.Strategy.Cooldown.Duration,
		}),
		exec:   exec,
		logger: logger.With(slog.String("component", "session")),
		endsAt: st.EndsAt,
		now:    time.Now,
	}, nil
}

// newExecutor returns the live client, or a paper simulator continuing the
// persisted PRNG stream.
func newExecutor(cfg *config.Config, deps *Dependencies, st *domain.SessionState) (domain.Executor, error) {
	if !cfg.Run.Demo {
		if deps.Live == nil {
			return nil, errors.New("app: live mode without an execution client")
		}
		return deps.Live, nil
	}
	sim := executor.NewPaperSimulator(executor.PaperConfig{
		Realistic:       cfg.Paper.Realistic,
		NoFillProb:      cfg.Paper.NoFillProb,
		PartialFillMin:  cfg.Paper.PartialFillMin,
		PartialFillMax:  cfg.Paper.PartialFillMax,
		SlippageBps:     cfg.Paper.SlippageBps,
		TakerFeeBps:     cfg.Paper.TakerFeeBps,
		LiquidityUSDCap: cfg.Paper.LiquidityUSDCap,
	}, st.RNGSeed)
	if len(st.RNGState) > 0 {
		if err := sim.Restore(st.RNGState); err != nil {
			return nil, fmt.Errorf("app: restore simulator: %w", err)
		}
	}
	return sim, nil
}

// State returns a copy of the session state.
func (s *Session) State() *domain.SessionState {
	return s.machine.Snapshot()
}

// Run drives the pipeline until the run is over, ctx is cancelled or the
// feed fails. It returns domain.ErrRunWindowDone when the run completed.
// Whatever the outcome, the in-flight execution is given shutdown_timeout to
// complete and the final state is persisted before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ws := polymarket.NewWSClient(polymarket.WSConfig{
		URL:           s.cfg.Feed.WSURL,
		ReconnectBase: s.cfg.Feed.ReconnectBase.Duration,
		ReconnectMax:  s.cfg.Feed.ReconnectMax.Duration,
		MaxAttempts:   s.cfg.Feed.MaxReconnectAttempts,
		Logger:        s.logger,
	})
	defer ws.Close()

	var mirror *feed.Mirror
	if s.deps.BookMirror != nil {
		mirror = feed.NewMirror(s.deps.BookMirror, s.logger)
	}
	fc := feed.NewClient(ws, feed.ClientConfig{
		MaxProtocolErrors: s.cfg.Feed.MaxProtocolErrors,
		EventBuffer:       s.cfg.Feed.EventBuffer,
		Logger:            s.logger,
		Mirror:            mirror,
	})

	inst, err := s.deps.Locator.CurrentInstrument(ctx, s.cfg.Run.Coin, s.cfg.Run.Interval)
	if err != nil {
		return fmt.Errorf("app: locate market: %w", err)
	}
	if err := s.setInstrument(ctx, fc, inst); err != nil {
		return err
	}

	// The executor outlives ctx so an in-flight order can finish during
	// shutdown.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	runner := executor.NewRunner(s.exec, s.logger)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(execCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fc.Run(gctx)
	})
	if mirror != nil {
		g.Go(func() error {
			_ = mirror.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.decide(gctx, fc, runner)
	})
	err = g.Wait()

	s.shutdown(runner)
	s.cancels.Wait()
	cancelExec()
	<-runnerDone
	s.save()
	return err
}

// decide is the decision task: the only goroutine touching the detector
// and the machine while the pipeline runs.
func (s *Session) decide(ctx context.Context, fc Stream, runner *executor.Runner) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	every := s.cfg.Run.SnapshotEvery.Duration
	if every <= 0 {
		every = time.Minute
	}
	snapshots := time.NewTicker(every)
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case smp := <-fc.Samples():
			s.onSample(smp, fc, runner)

		case res := <-runner.Results():
			s.onResult(res, runner)

		case now := <-ticker.C:
			done, err := s.onTick(ctx, now, fc, runner)
			if err != nil {
				return err
			}
			if done {
				return domain.ErrRunWindowDone
			}

		case <-snapshots.C:
			fields := statsFields(s.machine.Snapshot())
			if u, ok := s.machine.Unrealized(); ok {
				fields["unrealized_pnl"] = u.InexactFloat64()
			}
			s.sink.event(runlog.EventSnapshot, fields)
		}
	}
}

func (s *Session) onSample(smp domain.MidPriceSample, fc Stream, runner *executor.Runner) {
	if ev, ok := s.detector.Observe(smp); ok {
		metrics.IncDropEvent(string(ev.Side))
		s.logger.Info("flash crash detected",
			slog.String("side", string(ev.Side)),
			slog.Float64("drop", ev.Drop),
			slog.Float64("from", ev.ReferencePrice),
			slog.Float64("to", ev.TriggerPrice),
		)
		var ask float64
		if snap, ok := fc.LatestSnapshot(ev.AssetID); ok {
			ask = snap.BestAsk
		}
		s.apply(s.machine.OnDrop(ev, ask), runner)
	}
	s.apply(s.machine.OnSample(smp), runner)
}

func (s *Session) onResult(res executor.Result, runner *executor.Runner) {
	s.machine.RecordRNG(res.State)
	step := s.machine.OnFill(res.Request, res.Fill, res.Err)
	step.Changed = true
	s.apply(step, runner)
}

// onTick handles the clock: machine timeouts, the end of the run and market
// rolls. It reports true once the run is over and nothing is left open.
func (s *Session) onTick(ctx context.Context, now time.Time, fc Stream, runner *executor.Runner) (bool, error) {
	s.apply(s.machine.OnTick(now), runner)

	_, open := s.machine.Position()
	_, pending := s.machine.Pending()

	if !now.Before(s.endsAt) {
		if open && !pending {
			s.apply(s.machine.Flatten(now), runner)
		}
		return !open && !pending, nil
	}
	if s.machine.Halted() && !open && !pending {
		s.logger.Warn("kill switch engaged and flat, ending run")
		return true, nil
	}

	if open || pending || s.instrument.WindowEnd.IsZero() || now.Before(s.instrument.WindowEnd) || now.Before(s.nextRoll) {
		return false, nil
	}
	return false, s.roll(ctx, now, fc)
}

// roll moves the feed to the contract trading in the current window.
func (s *Session) roll(ctx context.Context, now time.Time, fc Stream) error {
	s.nextRoll = now.Add(rollRetry)
	inst, err := s.deps.Locator.CurrentInstrument(ctx, s.cfg.Run.Coin, s.cfg.Run.Interval)
	if err != nil {
		s.logger.Warn("market roll failed, will retry", slog.String("error", err.Error()))
		return nil
	}
	if inst.Slug == s.instrument.Slug {
		return nil
	}
	return s.setInstrument(ctx, fc, inst)
}

func (s *Session) setInstrument(ctx context.Context, fc Stream, inst domain.Instrument) error {
	if err := fc.SubscribeInstrument(ctx, inst); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The transport restores the tracked set on its next reconnect.
		s.logger.Warn("subscribe failed", slog.String("slug", inst.Slug), slog.String("error", err.Error()))
	}
	prev := s.instrument.Slug
	s.instrument = inst
	s.detector.ResetAll()
	s.machine.SetInstrument(inst)

	s.logger.Info("market selected",
		slog.String("slug", inst.Slug),
		slog.Time("window_end", inst.WindowEnd),
	)
	s.sink.event(runlog.EventMarketChanged, map[string]any{
		"slug":          inst.Slug,
		"previous_slug": prev,
		"condition_id":  inst.ConditionID,
		"up_token_id":   inst.UpTokenID,
		"down_token_id": inst.DownTokenID,
		"window_start":  inst.WindowStart.UTC().Format(time.RFC3339),
		"window_end":    inst.WindowEnd.UTC().Format(time.RFC3339),
	})
	return nil
}

// apply carries out a machine step: side effects go to the sink, the
// request to the executor, and changed state to disk.
func (s *Session) apply(step strategy.Step, runner *executor.Runner) {
	s.sink.step(step)
	if step.CancelAll {
		s.cancelAll(runner)
	}
	if step.Changed {
		s.save()
	}
	if step.Request == nil {
		return
	}
	req := *step.Request
	if err := runner.Submit(req); err != nil {
		s.logger.Error("submit rejected", slog.String("request_id", req.ID), slog.String("error", err.Error()))
		s.apply(s.machine.OnFill(req, domain.Fill{}, err), runner)
	}
}

// cancelAll cancels resting orders on its own goroutine, retrying a few
// times. Kill switch cancellations never share the outbox queue.
func (s *Session) cancelAll(runner *executor.Runner) {
	s.cancels.Add(1)
	go func() {
		defer s.cancels.Done()
		for attempt := 1; ; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			err := runner.CancelAll(ctx)
			cancel()
			if err == nil {
				s.logger.Info("resting orders cancelled", slog.Int("attempt", attempt))
				return
			}
			if attempt == cancelAttempts {
				s.logger.Error("cancel all failed", slog.Int("attempts", attempt), slog.String("error", err.Error()))
				return
			}
			s.logger.Warn("cancel all failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			time.Sleep(cancelBackoff * time.Duration(attempt))
		}
	}()
}

// shutdown stops entries and waits up to shutdown_timeout for the in-flight
// execution, applying its result.
func (s *Session) shutdown(runner *executor.Runner) {
	s.machine.StopEntries()
	if _, pending := s.machine.Pending(); !pending {
		return
	}
	timeout := s.cfg.Run.ShutdownTimeout.Duration
	s.logger.Info("waiting for in-flight execution", slog.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-runner.Results():
		s.machine.RecordRNG(res.State)
		step := s.machine.OnFill(res.Request, res.Fill, res.Err)
		step.Changed = true
		s.apply(step, runner)
	case <-timer.C:
		s.logger.Warn("in-flight execution did not finish before shutdown")
	}
}

func (s *Session) save() {
	st := s.machine.Snapshot()
	st.UpdatedAt = s.now()
	if err := statefile.Save(s.cfg.Run.StateFile, st); err != nil {
		s.logger.Error("persist state failed", slog.String("error", err.Error()))
	}
	gauges(st)
}
