package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		logger.Info("job started",
			slog.String("job_name", r.TaskName),
			slog.String("job_id", string(r.ID)),
			slog.String("family", string(r.Family)),
			slog.Int("attempt", r.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_name", r.TaskName),
				slog.String("job_id", string(r.ID)),
				slog.Int("attempt", r.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_name", r.TaskName),
				slog.String("job_id", string(r.ID)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
