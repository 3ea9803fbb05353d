package middleware

import (
	"context"

	"github.com/MacJediWizard/keldris-sub016/job"
)

type orgKey struct{}

// Tenant returns middleware that injects the job's org ID into the
// handler context, so business logic deep in a handler can resolve the
// tenant without threading the job through every call.
func Tenant() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return next(context.WithValue(ctx, orgKey{}, j.OrgID))
	}
}

// OrgFromContext returns the org ID injected by Tenant, or "".
func OrgFromContext(ctx context.Context) string {
	org, _ := ctx.Value(orgKey{}).(string)
	return org
}
