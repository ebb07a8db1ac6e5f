package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

func add[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Registry dispatches lifecycle events to registered extensions. Hooks are
// type-cached at registration so each emit walks only the extensions that
// implement it. Register everything before the first emit.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	submitted []entry[JobSubmitted]
	claimed   []entry[JobClaimed]
	completed []entry[JobCompleted]
	retrying  []entry[JobRetrying]
	failed    []entry[JobFailed]
	reclaimed []entry[JobReclaimed]
	shutdown  []entry[Shutdown]
}

// NewRegistry creates an extension registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.submitted = add(r.submitted, e)
	r.claimed = add(r.claimed, e)
	r.completed = add(r.completed, e)
	r.retrying = add(r.retrying, e)
	r.failed = add(r.failed, e)
	r.reclaimed = add(r.reclaimed, e)
	r.shutdown = add(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func (r *Registry) EmitJobSubmitted(ctx context.Context, rec *job.Record) {
	for _, e := range r.submitted {
		r.check("OnJobSubmitted", e.name, e.hook.OnJobSubmitted(ctx, rec))
	}
}

func (r *Registry) EmitJobClaimed(ctx context.Context, rec *job.Record) {
	for _, e := range r.claimed {
		r.check("OnJobClaimed", e.name, e.hook.OnJobClaimed(ctx, rec))
	}
}

func (r *Registry) EmitJobCompleted(ctx context.Context, rec *job.Record, elapsed time.Duration) {
	for _, e := range r.completed {
		r.check("OnJobCompleted", e.name, e.hook.OnJobCompleted(ctx, rec, elapsed))
	}
}

func (r *Registry) EmitJobRetrying(ctx context.Context, rec *job.Record, retryAt time.Time, jobErr error) {
	for _, e := range r.retrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, rec, retryAt, jobErr))
	}
}

func (r *Registry) EmitJobFailed(ctx context.Context, rec *job.Record, jobErr error) {
	for _, e := range r.failed {
		r.check("OnJobFailed", e.name, e.hook.OnJobFailed(ctx, rec, jobErr))
	}
}

func (r *Registry) EmitJobReclaimed(ctx context.Context, rec *job.Record) {
	for _, e := range r.reclaimed {
		r.check("OnJobReclaimed", e.name, e.hook.OnJobReclaimed(ctx, rec))
	}
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

func (r *Registry) check(hook, name string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook failed",
		slog.String("hook", hook),
		slog.String("extension", name),
		slog.String("error", err.Error()),
	)
}
