// Package middleware provides composable middleware around task handlers.
//
// A [Middleware] wraps the handler of one claimed job. Chains are built
// with [Chain] and applied right-to-left: the first middleware in the
// slice is the outermost wrapper. The worker's default chain is
//
//	Logging → Tracing → Metrics → Timeout → Recover → Scope → handler
//
// # Built-in Middleware
//
//   - [Logging] logs task name, family, attempt, duration and outcome
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-task duration and outcome counters
//   - [Timeout] bounds execution with a per-job deadline
//   - [Recover] turns handler panics into errors
//   - [Scope] restores the submitting tenant into the context
//
// # Execution Timeout
//
// [Timeout] only cancels the handler's context; it never abandons a running
// goroutine. A handler that ignores ctx keeps its concurrency slot until it
// returns, even after the job has been reclaimed and run elsewhere. With a
// concurrency of 1 that stalls the whole worker, so long-running handlers
// must check ctx.
//
// # Writing Custom Middleware
//
//	func Audit(log *slog.Logger) middleware.Middleware {
//	    return func(ctx context.Context, r *job.Record, next middleware.Handler) error {
//	        err := next(ctx)
//	        log.Info("audited", "job_id", r.ID, "ok", err == nil)
//	        return err
//	    }
//	}
package middleware
