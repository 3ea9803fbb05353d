package middleware

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MacJediWizard/keldris-sub016/job"
)

// Timeout returns middleware that enforces a per-job execution
// deadline. Jobs with a non-zero Timeout run under context.WithTimeout;
// a backup or verification that overruns its budget sees its context
// cancelled and settles through the normal failure path.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		logger.Debug("enforcing job deadline",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("org_id", j.OrgID),
			slog.Duration("timeout", j.Timeout),
		)

		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("job exceeded its deadline",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.String("org_id", j.OrgID),
				slog.Duration("timeout", j.Timeout),
			)
		}
		return err
	}
}
