// Package ext defines the lifecycle hooks extensions can observe.
//
// Each hook is its own interface so an extension implements only the
// events it cares about. Hook errors are logged and never change the
// outcome of the job.
package ext

import (
	"context"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a new job is durably queued. Idempotent
// resubmissions of an existing id do not fire it.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, r *job.Record) error
}

// JobClaimed is called when a worker takes the claim on a job.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, r *job.Record) error
}

// JobCompleted is called after a job is acked.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error
}

// JobRetrying is called when a failed job goes back to the queue.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, r *job.Record, retryAt time.Time, err error) error
}

// JobFailed is called when a job reaches the failed state.
type JobFailed interface {
	OnJobFailed(ctx context.Context, r *job.Record, err error) error
}

// JobReclaimed is called for each job whose visibility timeout expired.
// r carries the id, family, new state and attempts.
type JobReclaimed interface {
	OnJobReclaimed(ctx context.Context, r *job.Record) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
