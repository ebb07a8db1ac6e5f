// Package worker runs claimed jobs. An [Executor] drives one record through
// the middleware chain and its registered handler and reports the outcome
// to the queue; a [Worker] keeps a bounded number of executions in flight
// for one family and sweeps expired claims.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/middleware"
	"github.com/Mudityadev/charles-map/dispatch/queue"
)

// Outcome is what happened to one execution.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetrying
	OutcomeFailed
	// OutcomeLost means the claim expired before the result was reported.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	default:
		return "lost"
	}
}

// Executor runs a single record through middleware and the registered
// handler, then acks or nacks it.
type Executor struct {
	queue    *queue.Queue
	registry *job.Registry
	timeout  time.Duration
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. timeout is the family execution timeout;
// a kind registered with job.WithTimeout overrides it.
func NewExecutor(q *queue.Queue, reg *job.Registry, timeout time.Duration, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	e := &Executor{
		queue:    q,
		registry: reg,
		timeout:  timeout,
		logger:   logger,
	}
	chain := append([]middleware.Middleware{}, mws...)
	chain = append(chain,
		middleware.Timeout(logger, e.timeoutFor),
		middleware.Recover(logger),
		middleware.Scope(),
	)
	e.mw = middleware.Chain(chain...)
	return e
}

// Execute never returns a handler error: every failure becomes a nack.
// The returned error is only set when the broker could not record the
// outcome, in which case reclaim eventually takes over.
func (e *Executor) Execute(ctx context.Context, rec *job.Record) (Outcome, error) {
	// Outcome writes must land even if ctx was cancelled during shutdown.
	report := context.WithoutCancel(ctx)

	handler, _, err := e.registry.Lookup(rec.TaskName)
	if err != nil {
		e.logger.Error("no handler for task",
			slog.String("job_id", string(rec.ID)),
			slog.String("job_name", rec.TaskName),
		)
		return e.nack(report, rec, dispatch.Terminal(err))
	}

	var result []byte
	err = e.mw(ctx, rec, func(ctx context.Context) error {
		out, herr := handler(ctx, rec.Payload)
		result = out
		return herr
	})
	if err != nil {
		return e.nack(report, rec, err)
	}

	if err := e.queue.Ack(report, rec, result); err != nil {
		return e.lost(rec, err)
	}
	return OutcomeCompleted, nil
}

func (e *Executor) nack(ctx context.Context, rec *job.Record, cause error) (Outcome, error) {
	out, err := e.queue.Nack(ctx, rec, cause)
	if err != nil {
		return e.lost(rec, err)
	}
	if out.Retry {
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", string(rec.ID)),
			slog.String("job_name", rec.TaskName),
			slog.Int("attempt", rec.Attempts),
			slog.Int("max_attempts", rec.MaxAttempts),
			slog.Time("retry_at", out.RetryAt),
		)
		return OutcomeRetrying, nil
	}
	e.logger.Warn("job failed",
		slog.String("job_id", string(rec.ID)),
		slog.String("job_name", rec.TaskName),
		slog.Int("attempt", rec.Attempts),
		slog.String("class", out.Class.String()),
		slog.String("error", cause.Error()),
	)
	return OutcomeFailed, nil
}

func (e *Executor) lost(rec *job.Record, err error) (Outcome, error) {
	if errors.Is(err, dispatch.ErrNotClaimHolder) {
		e.logger.Warn("claim lost before the result was reported; result discarded",
			slog.String("job_id", string(rec.ID)),
			slog.String("job_name", rec.TaskName),
		)
		return OutcomeLost, nil
	}
	e.logger.Error("failed to report job outcome",
		slog.String("job_id", string(rec.ID)),
		slog.String("error", err.Error()),
	)
	return OutcomeLost, err
}

func (e *Executor) timeoutFor(rec *job.Record) time.Duration {
	if _, opts, err := e.registry.Lookup(rec.TaskName); err == nil && opts.Timeout > 0 {
		return opts.Timeout
	}
	return e.timeout
}
