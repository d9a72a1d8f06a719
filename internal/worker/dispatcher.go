package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/job"
)

// DefaultJobTimeout bounds a single run.
const DefaultJobTimeout = 30 * time.Minute

// Runner processes one job.
type Runner interface {
	Run(ctx context.Context, id int64)
}

// Dispatcher starts one goroutine per job. Dispatch never blocks and runs are
// detached from the caller's cancellation, so a finished HTTP request does
// not abort its job.
type Dispatcher struct {
	runner  Runner
	jobs    job.Store
	timeout time.Duration

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithJobTimeout sets the per-run deadline. Zero disables it.
func WithJobTimeout(d time.Duration) DispatcherOption {
	return func(p *Dispatcher) { p.timeout = d }
}

// WithRecoveryStore lets the Dispatcher mark a job failed when its run panics.
func WithRecoveryStore(s job.Store) DispatcherOption {
	return func(p *Dispatcher) { p.jobs = s }
}

// NewDispatcher returns a Dispatcher for r.
func NewDispatcher(r Runner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{runner: r, timeout: DefaultJobTimeout}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch schedules job id and returns immediately. The run keeps the
// values of ctx (trace, logger attributes) but not its deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) {
	runCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := runCtx, context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(runCtx, d.timeout)
		}
		defer cancel()
		defer d.recoverRun(ctx, id)
		d.runner.Run(ctx, id)
	}()
}

func (d *Dispatcher) recoverRun(ctx context.Context, id int64) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("worker panicked", "job_id", id, "panic", r, "stack", string(debug.Stack()))
	if d.jobs == nil {
		return
	}
	if err := d.jobs.Fail(context.WithoutCancel(ctx), id, fmt.Sprintf("internal error: %v", r)); err != nil {
		slog.Warn("mark panicked job failed", "job_id", id, "err", err)
	}
}

// Wait blocks until every dispatched run has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: drain: %w", ctx.Err())
	}
}
