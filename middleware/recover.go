package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// A panic becomes an ordinary error, so it is retried like any other
// unclassified failure.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) (retErr error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("job handler panicked",
					slog.String("job_name", r.TaskName),
					slog.String("job_id", string(r.ID)),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", r.TaskName, p)
			}
		}()
		return next(ctx)
	}
}
