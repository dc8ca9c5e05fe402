// Package app wires the flash crash engine together and runs one bounded
// session: state resume, the supervised trading pipeline, and the run
// bookkeeping around it (run log, journals, notifications, archive).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashbot/internal/config"
	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/metrics"
	"github.com/alanyoungcy/flashbot/internal/runlog"
	"github.com/alanyoungcy/flashbot/internal/store/statefile"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Mode is "paper" or "live".
func Mode(cfg *config.Config) string {
	if cfg.Run.Demo {
		return "paper"
	}
	return "live"
}

// LockKey names the single-run lock for cfg.
func LockKey(cfg *config.Config) string {
	return fmt.Sprintf("run:%s:%dm:%s", strings.ToLower(cfg.Run.Coin), cfg.Run.Interval, filepath.Base(cfg.Run.StateFile))
}

// Run resumes or starts the session and runs the supervised pipeline until
// the run window ends, the kill switch leaves the session flat, or ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	a.logger.InfoContext(ctx, "starting application",
		slog.String("coin", cfg.Run.Coin),
		slog.Int("interval", cfg.Run.Interval),
		slog.String("mode", Mode(cfg)),
		slog.String("log_level", cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if deps.Locks != nil {
		unlock, err := deps.Locks.Acquire(ctx, LockKey(cfg), cfg.Redis.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: single-run lock %s: %w", LockKey(cfg), err)
		}
		a.closers = append(a.closers, unlock)
	}

	now := time.Now().UTC()
	st, resumed, err := statefile.Resume(cfg.Run.StateFile, statefile.ResumeOptions{
		Resume: cfg.Run.Resume,
		Reset:  cfg.Run.ResetState,
		Now:    now,
		Fresh:  func() *domain.SessionState { return FreshState(cfg, now) },
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: load state: %w", err)
	}
	if err := statefile.Save(cfg.Run.StateFile, st); err != nil {
		return fmt.Errorf("app: persist state: %w", err)
	}
	gauges(st)

	var rl *runlog.Writer
	if cfg.RunLog.Enabled {
		rl, err = runlog.Open(runlog.Options{
			Dir:      cfg.RunLog.Dir,
			Strategy: "flash_crash",
			Coin:     cfg.Run.Coin,
			Interval: cfg.Run.Interval,
		})
		if err != nil {
			a.logger.WarnContext(ctx, "run log disabled", slog.String("error", err.Error()))
			rl = nil
		}
	}

	// Background workers outlive the pipeline so its final events still
	// reach the journals and notifiers.
	bgCtx, stopBG := context.WithCancel(context.WithoutCancel(ctx))
	var bg errgroup.Group
	out := newOutbox(a.logger)
	bg.Go(func() error { return out.run(bgCtx) })
	if deps.Notifier != nil {
		bg.Go(func() error { return deps.Notifier.Run(bgCtx) })
	}
	if cfg.Metrics.Enabled {
		bg.Go(func() error {
			if err := metrics.Serve(bgCtx, cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	sk := &sink{
		runID:    st.RunID,
		coin:     cfg.Run.Coin,
		runlog:   rl,
		notifier: deps.Notifier,
		bus:      deps.EventBus,
		journals: deps.Journals,
		out:      out,
		logger:   a.logger,
	}

	started := statsFields(st)
	started["run_id"] = st.RunID
	started["coin"] = cfg.Run.Coin
	started["interval"] = cfg.Run.Interval
	started["resumed"] = resumed
	started["ends_at"] = st.EndsAt.UTC().Format(time.RFC3339)
	started["drop_threshold"] = cfg.Strategy.DropThreshold
	started["lookback_s"] = cfg.Strategy.Lookback.Seconds()
	started["take_profit"] = cfg.Strategy.TakeProfit
	started["stop_loss"] = cfg.Strategy.StopLoss
	started["max_drawdown_pct"] = cfg.Strategy.MaxDrawdownPct
	sk.event(runlog.EventRunStarted, started)
	sk.run(runRecord(st, nil))

	sup := &Supervisor{
		Delay:  cfg.Run.ReconnectDelay.Duration,
		Logger: a.logger,
		Attempt: func(ctx context.Context) error {
			sess, err := NewSession(cfg, deps, sk, st, a.logger)
			if err != nil {
				return err
			}
			err = sess.Run(ctx)
			st = sess.State()
			return err
		},
		OnRestart: func(attempt int, err error) {
			sk.event(runlog.EventSupervisorRestart, map[string]any{
				"attempt":   attempt,
				"error":     err.Error(),
				"delay_s":   cfg.Run.ReconnectDelay.Seconds(),
				"bankroll":  st.Bankroll.InexactFloat64(),
				"feed_dead": errors.Is(err, domain.ErrFeedFatal),
			})
		},
	}
	runErr := sup.Run(ctx)

	var finished *time.Time
	reason := "interrupted"
	if runErr == nil {
		t := time.Now().UTC()
		finished = &t
		reason = "run_window_elapsed"
		if st.Halted {
			reason = "kill_switch"
		}
	}
	done := statsFields(st)
	done["reason"] = reason
	sk.event(runlog.EventRunFinished, done)
	sk.run(runRecord(st, finished))

	a.logger.InfoContext(ctx, "run finished",
		slog.String("reason", reason),
		slog.String("bankroll", st.Bankroll.StringFixed(4)),
		slog.String("realized_pnl", st.RealizedPnL.StringFixed(4)),
		slog.Int("trades_closed", st.Stats.TradesClosed),
	)

	if err := rl.Close(); err != nil {
		a.logger.Warn("close run log", slog.String("error", err.Error()))
	}
	stopBG()
	_ = bg.Wait()

	if deps.Archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Run.ShutdownTimeout.Duration)
		keys, err := deps.Archiver.ArchiveRun(actx, rl.Path(), st)
		cancel()
		if err != nil {
			a.logger.Warn("archive run failed", slog.String("error", err.Error()))
		} else {
			a.logger.Info("run archived", slog.Any("keys", keys))
		}
	}

	return runErr
}

// FreshState is the state of a new session started at now.
func FreshState(cfg *config.Config, now time.Time) *domain.SessionState {
	seed := cfg.Run.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	st := domain.NewSessionState(uuid.NewString(), decimal.NewFromFloat(cfg.Run.StartBankroll), now, cfg.RunDuration(), seed)
	st.Coin = strings.ToUpper(cfg.Run.Coin)
	st.Interval = cfg.Run.Interval
	st.Mode = Mode(cfg)
	return st
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
