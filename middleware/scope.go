package middleware

import (
	"context"

	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/scope"
)

// Scope returns middleware that restores the tenant captured at submission
// into the context and exposes the record through job.FromContext.
func Scope() Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		ctx = scope.Restore(ctx, r.TenantID, r.UserID)
		ctx = job.WithRecord(ctx, r)
		return next(ctx)
	}
}
