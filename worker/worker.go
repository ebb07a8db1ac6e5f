package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Mudityadev/charles-map/dispatch/id"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/middleware"
	"github.com/Mudityadev/charles-map/dispatch/queue"
)

// Metrics is a point-in-time snapshot of a worker's counters.
type Metrics struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Lost      int64 `json:"lost"`
	Reclaimed int64 `json:"reclaimed"`
	Active    int64 `json:"active"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the number of jobs executed in parallel.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithExecutionTimeout sets the family execution timeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// WithReclaimInterval sets how often expired claims are swept. Zero
// disables the sweep.
func WithReclaimInterval(d time.Duration) Option {
	return func(w *Worker) { w.reclaimInterval = d }
}

// WithErrorBackoff sets the pause after a failed claim attempt.
func WithErrorBackoff(d time.Duration) Option {
	return func(w *Worker) { w.errorBackoff = d }
}

// WithMiddleware adds middleware outside the built-in timeout, recover
// and scope wrappers.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(w *Worker) { w.mws = append(w.mws, mws...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker executes jobs of one family. A single claim loop takes a
// concurrency slot before every claim, so at most Concurrency jobs of this
// worker are active at once. Any number of Workers, in any number of
// processes, may serve the same queue.
type Worker struct {
	queue           *queue.Queue
	registry        *job.Registry
	executor        *Executor
	concurrency     int
	timeout         time.Duration
	reclaimInterval time.Duration
	errorBackoff    time.Duration
	mws             []middleware.Middleware
	workerID        id.ID
	logger          *slog.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc // stops claiming
	abort   context.CancelFunc // cancels in-flight jobs
	loops   sync.WaitGroup
	jobs    sync.WaitGroup
	slots   *semaphore.Weighted

	claimed, completed, retried, failed, lost, reclaimed, active atomic.Int64
}

// New creates a worker for q running handlers from reg.
func New(q *queue.Queue, reg *job.Registry, opts ...Option) *Worker {
	w := &Worker{
		queue:           q,
		registry:        reg,
		concurrency:     1,
		reclaimInterval: 30 * time.Second,
		errorBackoff:    time.Second,
		workerID:        id.NewWorkerID(),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	w.executor = NewExecutor(q, reg, w.timeout, w.logger, w.mws...)
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.ID { return w.workerID }

func (w *Worker) Queue() *queue.Queue { return w.queue }

// Start launches the claim and reclaim loops and returns immediately.
// Starting a running worker is a no-op.
func (w *Worker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	claimCtx, stop := context.WithCancel(context.Background())
	jobCtx, abort := context.WithCancel(context.Background())
	w.stop, w.abort = stop, abort
	w.slots = semaphore.NewWeighted(int64(w.concurrency))

	w.logger.Info("worker starting",
		slog.String("worker_id", w.workerID.String()),
		slog.String("queue", w.queue.Name()),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("execution_timeout", w.timeout),
	)

	w.loops.Add(1)
	go w.claimLoop(claimCtx, jobCtx)
	if w.reclaimInterval > 0 {
		w.loops.Add(1)
		go w.reclaimLoop(claimCtx)
	}
	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx expires first
// the remaining jobs are cancelled; their nacks still reach the broker.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stop, abort := w.stop, w.abort
	w.mu.Unlock()

	w.logger.Info("worker stopping", slog.String("worker_id", w.workerID.String()))
	stop()
	w.loops.Wait()

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped gracefully", slog.String("worker_id", w.workerID.String()))
	case <-ctx.Done():
		w.logger.Warn("worker shutdown timed out, cancelling active jobs",
			slog.Int64("active", w.active.Load()))
		abort()
		<-done
	}
	abort()
	return nil
}

// Run starts the worker and blocks until ctx is done, then stops it,
// waiting at most shutdownTimeout for in-flight jobs.
func (w *Worker) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return w.Stop(stopCtx)
}

// Metrics returns a snapshot of the worker's counters.
func (w *Worker) Metrics() Metrics {
	return Metrics{
		Claimed:   w.claimed.Load(),
		Completed: w.completed.Load(),
		Retried:   w.retried.Load(),
		Failed:    w.failed.Load(),
		Lost:      w.lost.Load(),
		Reclaimed: w.reclaimed.Load(),
		Active:    w.active.Load(),
	}
}

func (w *Worker) claimLoop(ctx, jobCtx context.Context) {
	defer w.loops.Done()

	for {
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return
		}

		rec, err := w.queue.ClaimNext(ctx)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed",
				slog.String("queue", w.queue.Name()),
				slog.String("error", err.Error()),
			)
			w.pause(ctx, w.errorBackoff)
			continue
		}
		if rec == nil {
			w.slots.Release(1)
			continue
		}

		w.claimed.Add(1)
		w.active.Add(1)
		w.jobs.Add(1)
		go func() {
			defer w.jobs.Done()
			defer w.slots.Release(1)
			defer w.active.Add(-1)
			w.execute(jobCtx, rec)
		}()
	}
}

func (w *Worker) execute(ctx context.Context, rec *job.Record) {
	out, err := w.executor.Execute(ctx, rec)
	switch out {
	case OutcomeCompleted:
		w.completed.Add(1)
	case OutcomeRetrying:
		w.retried.Add(1)
	case OutcomeFailed:
		w.failed.Add(1)
	case OutcomeLost:
		w.lost.Add(1)
	}
	if err != nil {
		w.logger.Debug("job outcome not recorded",
			slog.String("job_id", string(rec.ID)),
			slog.String("outcome", out.String()),
		)
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.loops.Done()

	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep reclaims expired claims and purges terminal records past retention.
func (w *Worker) sweep(ctx context.Context) {
	n, err := w.queue.Reclaim(ctx)
	w.reclaimed.Add(int64(n))
	if err != nil && ctx.Err() == nil {
		w.logger.Error("reclaim failed",
			slog.String("queue", w.queue.Name()),
			slog.String("error", err.Error()),
		)
	}

	purged, err := w.queue.Purge(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Error("purge failed",
			slog.String("queue", w.queue.Name()),
			slog.String("error", err.Error()),
		)
	} else if purged > 0 {
		w.logger.Debug("purged expired records",
			slog.String("queue", w.queue.Name()),
			slog.Int("count", purged),
		)
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
