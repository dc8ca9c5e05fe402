package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

func TestSupervisorRestartsUntilDone(t *testing.T) {
	var (
		calls    int
		restarts []int
	)
	sup := &Supervisor{
		Delay:  time.Millisecond,
		Logger: quietLogger(),
		Attempt: func(context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("feed: %w", domain.ErrFeedFatal)
			}
			return domain.ErrRunWindowDone
		},
		OnRestart: func(attempt int, err error) {
			assert.ErrorIs(t, err, domain.ErrFeedFatal)
			restarts = append(restarts, attempt)
		},
	}
	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, restarts)
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{
		Delay:  time.Hour,
		Logger: quietLogger(),
		Attempt: func(context.Context) error {
			return domain.ErrFeedFatal
		},
		OnRestart: func(int, error) { cancel() },
	}
	assert.ErrorIs(t, sup.Run(ctx), context.Canceled)

	canceled, stop := context.WithCancel(context.Background())
	stop()
	sup.Attempt = func(ctx context.Context) error { return ctx.Err() }
	sup.OnRestart = func(int, error) { t.Fatal("no restart after cancel") }
	assert.ErrorIs(t, sup.Run(canceled), context.Canceled)
}
