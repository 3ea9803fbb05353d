package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/MacJediWizard/keldris-sub016/job"
)

// Recover returns middleware that converts handler panics into ordinary
// job failures, so one bad payload retries or dead-letters instead of
// taking the worker pool down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("job_type", string(j.Type)),
					slog.String("org_id", j.OrgID),
					slog.Int("retry_count", j.RetryCount),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("handler panic in %s job %s: %v", j.Type, j.ID, r)
			}
		}()
		return next(ctx)
	}
}
