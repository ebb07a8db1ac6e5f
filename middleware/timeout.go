package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// limit reports the deadline for a record; zero disables it. A handler that
// outlives its deadline fails with context.DeadlineExceeded even if it
// returned a result, so the attempt is retried. Handlers that ignore ctx
// keep their slot until they return; the visibility timeout covers those.
func Timeout(logger *slog.Logger, limit func(*job.Record) time.Duration) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		d := limit(r)
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("job exceeded execution timeout",
				slog.String("job_id", string(r.ID)),
				slog.Duration("timeout", d),
			)
			if err == nil || !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("job %s exceeded %s: %w", r.ID, d, context.DeadlineExceeded)
			}
		}
		return err
	}
}

// Fixed returns a limit func that gives every record d.
func Fixed(d time.Duration) func(*job.Record) time.Duration {
	return func(*job.Record) time.Duration { return d }
}
