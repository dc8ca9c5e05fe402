package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/metrics"
)

// ErrBusy is returned by Runner.Submit while a request is in flight.
var ErrBusy = errors.New("executor: request in flight")

// Result is the outcome of one execution request.
type Result struct {
	Request domain.ExecutionRequest
	Fill    domain.Fill
	Err     error
	// State is the executor's PRNG state after the request, when the
	// executor has one.
	State []byte
}

// stateful is implemented by executors whose randomness must be persisted.
type stateful interface {
	State() []byte
}

// Runner executes requests on its own goroutine so a slow submission never
// blocks the caller. At most one request executes at a time; its result is
// handed over on Results, which is unbuffered.
type Runner struct {
	exec     domain.Executor
	requests chan domain.ExecutionRequest
	results  chan Result
	inflight atomic.Bool // executing
	handoff  atomic.Bool // result not yet received
	dedup    *Dedup
	logger   *slog.Logger
}

// NewRunner creates a Runner over exec.
func NewRunner(exec domain.Executor, logger *slog.Logger) *Runner {
	return &Runner{
		exec:     exec,
		requests: make(chan domain.ExecutionRequest, 1),
		results:  make(chan Result),
		dedup:    NewDedup(10 * time.Minute),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Results delivers one Result per accepted request.
func (r *Runner) Results() <-chan Result {
	return r.results
}

// Busy reports whether a request is executing or its result has not been
// received yet.
func (r *Runner) Busy() bool {
	return r.inflight.Load() || r.handoff.Load()
}

// Submit hands req to the run loop. It never blocks and is refused while
// another request executes. A request accepted while a result awaits
// receipt runs once that result is taken.
func (r *Runner) Submit(req domain.ExecutionRequest) error {
	if !r.inflight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if r.dedup.IsDuplicate(req.ID) {
		r.inflight.Store(false)
		return errors.New("executor: duplicate request " + req.ID)
	}
	r.requests <- req
	return nil
}

// CancelAll forwards to the underlying executor.
func (r *Runner) CancelAll(ctx context.Context) error {
	return r.exec.CancelAll(ctx)
}

// Run executes requests until ctx is cancelled. A request already running
// when ctx is cancelled sees the cancellation through its context, so
// callers that want it to finish should cancel only after draining Results.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("executor started")
	defer r.logger.Info("executor stopped")

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			r.dedup.Cleanup()
		case req := <-r.requests:
			res := r.execute(ctx, req)
			r.handoff.Store(true)
			r.inflight.Store(false)
			select {
			case r.results <- res:
				r.handoff.Store(false)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, req domain.ExecutionRequest) Result {
	log := r.logger.With(
		slog.String("request_id", req.ID),
		slog.String("asset_id", req.AssetID),
		slog.String("direction", string(req.Direction)),
		slog.String("intent", string(req.Intent)),
	)

	start := time.Now()
	fill, err := r.exec.Submit(ctx, req)
	res := Result{Request: req, Fill: fill, Err: err}
	if s, ok := r.exec.(stateful); ok {
		res.State = s.State()
	}

	if err != nil {
		metrics.IncFill("ERROR")
		log.Error("execution failed", slog.String("error", err.Error()))
		return res
	}
	metrics.IncFill(string(fill.Outcome))
	log.Info("execution complete",
		slog.String("outcome", string(fill.Outcome)),
		slog.Float64("price", fill.Price),
		slog.Float64("size", fill.Size),
		slog.Float64("fee_usd", fill.FeeUSD),
		slog.Duration("took", time.Since(start)),
	)
	return res
}
