package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// Supervisor restarts the pipeline after failures. Each attempt starts from
// the state the previous one persisted.
type Supervisor struct {
	// Attempt runs the pipeline once.
	Attempt func(ctx context.Context) error
	// Delay is the pause before a restart.
	Delay time.Duration
	// OnRestart is told about every restart before the pause.
	OnRestart func(attempt int, err error)
	Logger    *slog.Logger
}

// Run calls Attempt until the run completes or ctx is cancelled. A completed
// run returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.Attempt(ctx)
		switch {
		case err == nil, errors.Is(err, domain.ErrRunWindowDone):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		s.Logger.ErrorContext(ctx, "pipeline failed, restarting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", s.Delay),
			slog.Bool("feed_fatal", errors.Is(err, domain.ErrFeedFatal)),
			slog.String("error", err.Error()),
		)
		if s.OnRestart != nil {
			s.OnRestart(attempt, err)
		}

		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
