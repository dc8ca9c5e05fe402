package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/executor"
)

type blockingExecutor struct {
	release chan struct{}
	err     error
}

func (b *blockingExecutor) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return domain.Fill{}, ctx.Err()
	}
	if b.err != nil {
		return domain.Fill{}, b.err
	}
	return domain.Fill{RequestID: req.ID, Size: req.Size, Price: req.Price, Outcome: domain.FillFull}, nil
}

func (b *blockingExecutor) CancelAll(context.Context) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextResult(t *testing.T, r *executor.Runner) executor.Result {
	t.Helper()
	select {
	case res := <-r.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return executor.Result{}
	}
}

func TestRunnerOneInFlight(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	r := executor.NewRunner(exec, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, r.Submit(request(1, domain.OrderSideBuy, 0.2, 10, 20)))
	assert.True(t, r.Busy())
	assert.ErrorIs(t, r.Submit(request(2, domain.OrderSideBuy, 0.2, 10, 20)), executor.ErrBusy)

	close(exec.release)
	assert.Never(t, func() bool { return !r.Busy() }, 50*time.Millisecond, 5*time.Millisecond,
		"busy until the result is received")
	res := nextResult(t, r)
	require.NoError(t, res.Err)
	assert.Equal(t, "req-1", res.Fill.RequestID)
	assert.Eventually(t, func() bool { return !r.Busy() }, time.Second, time.Millisecond)

	require.NoError(t, r.Submit(request(2, domain.OrderSideBuy, 0.2, 10, 20)))
	assert.Equal(t, "req-2", nextResult(t, r).Fill.RequestID)
}

func TestRunnerRejectsDuplicateIDs(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	close(exec.release)
	r := executor.NewRunner(exec, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, r.Submit(request(1, domain.OrderSideBuy, 0.2, 10, 20)))
	nextResult(t, r)
	assert.Error(t, r.Submit(request(1, domain.OrderSideBuy, 0.2, 10, 20)))
	assert.Eventually(t, func() bool { return !r.Busy() }, time.Second, time.Millisecond)
}

func TestRunnerReportsErrorsAndState(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{}), err: errors.New("signer down")}
	close(exec.release)
	r := executor.NewRunner(exec, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, r.Submit(request(1, domain.OrderSideSell, 0.2, 10, 0)))
	res := nextResult(t, r)
	assert.EqualError(t, res.Err, "signer down")
	assert.Nil(t, res.State)

	sim := executor.NewPaperSimulator(executor.DefaultPaperConfig(), 5)
	pr := executor.NewRunner(sim, quietLogger())
	go func() { _ = pr.Run(ctx) }()
	require.NoError(t, pr.Submit(request(9, domain.OrderSideBuy, 0.3, 10, 20)))
	res = nextResult(t, pr)
	assert.Equal(t, sim.State(), res.State)
}

func TestDedupExpires(t *testing.T) {
	d := executor.NewDedup(time.Millisecond)
	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	time.Sleep(3 * time.Millisecond)
	d.Cleanup()
	assert.False(t, d.IsDuplicate("a"))
}
