// Package scope carries tenant identity (organization and user) through
// context.Context, from the request that submitted a job to the handler
// that executes it.
package scope

import "context"

// Tenant is the resolved identity of the caller that owns a job.
type Tenant struct {
	OrgID  string
	UserID string
}

func (t Tenant) IsZero() bool { return t.OrgID == "" && t.UserID == "" }

type tenantKey struct{}

// WithTenant attaches t to ctx. A zero tenant leaves ctx unchanged.
func WithTenant(ctx context.Context, t Tenant) context.Context {
	if t.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, t)
}

// FromContext returns the tenant attached to ctx, if any.
func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(Tenant)
	return t, ok
}

// Capture returns the org and user ids on ctx, or empty strings.
func Capture(ctx context.Context) (orgID, userID string) {
	t, _ := FromContext(ctx)
	return t.OrgID, t.UserID
}

// Restore is WithTenant for ids read back from a job record.
func Restore(ctx context.Context, orgID, userID string) context.Context {
	return WithTenant(ctx, Tenant{OrgID: orgID, UserID: userID})
}
