// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and settles the
// outcome, a Pool of goroutines claiming work per org, and a
// Maintenance runner for the retry, stale-heartbeat, and retention
// sweeps.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/MacJediWizard/keldris-sub016/backoff"
	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/job"
	"github.com/MacJediWizard/keldris-sub016/middleware"
)

// Executor runs a single claimed job through middleware and the
// registered handler, then settles the outcome: completion, a scheduled
// retry, or dead-letter escalation.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Policy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	policy backoff.Policy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		backoff:    policy,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		now:        time.Now,
	}
}

// SetNowFunc replaces the clock. Tests use this to make retry schedules
// deterministic.
func (e *Executor) SetNowFunc(fn func() time.Time) {
	e.now = fn
}

// Execute runs a running job through the middleware chain and handler.
// On success the job completes. On failure the attempt is counted, and
// the job either gets a backoff-scheduled retry or dead-letters once the
// retry budget is spent. A missing handler counts as a failed attempt
// like any other error.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := e.now()

	err := e.runHandler(ctx, j)
	elapsed := e.now().Sub(start)

	now := e.now().UTC()
	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}
	return e.handleSuccess(ctx, j, now, elapsed)
}

func (e *Executor) runHandler(ctx context.Context, j *job.Job) error {
	handler, err := e.registry.Lookup(j.Type)
	if err != nil {
		return err
	}
	terminal := func(ctx context.Context) error {
		return handler.Handle(ctx, j)
	}
	return e.mw(ctx, j, terminal)
}

// settledElsewhere reports whether the job reached a terminal status
// while this attempt was in flight, typically an operator cancel. The
// attempt's result is discarded in that case.
func (e *Executor) settledElsewhere(ctx context.Context, j *job.Job) bool {
	fresh, err := e.store.GetJob(ctx, j.ID)
	if err != nil {
		return false
	}
	return fresh.Status.Terminal()
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) error {
	if e.settledElsewhere(ctx, j) {
		e.logger.Info("job settled elsewhere, discarding result",
			slog.String("job_id", j.ID.String()))
		return nil
	}

	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure counts the attempt and either schedules a retry or
// escalates to dead_letter.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	if e.settledElsewhere(ctx, j) {
		e.logger.Info("job settled elsewhere, discarding failure",
			slog.String("job_id", j.ID.String()))
		return nil
	}

	j.RetryCount++
	j.ErrorMessage = handlerErr.Error()
	j.LastErrorAt = &now
	j.UpdatedAt = now

	if j.RetriesExhausted() {
		return e.deadLetter(ctx, j, handlerErr, now)
	}
	return e.scheduleRetry(ctx, j, handlerErr, now)
}

// scheduleRetry moves the job to failed with a backoff-stamped
// next_retry_at; the retry sweep will surface it again.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	nextRetryAt := backoff.At(e.backoff, now, j.RetryCount)
	j.Status = job.StatusFailed
	j.NextRetryAt = &nextRetryAt

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)
	e.extensions.EmitJobRetrying(ctx, j, j.RetryCount, nextRetryAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Time("next_retry_at", nextRetryAt),
	)
	return handlerErr
}

// deadLetter settles the job as dead_letter once the retry budget is
// spent. Dead-lettered jobs stay queryable until the retention sweep
// removes them or an operator replays them.
func (e *Executor) deadLetter(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.Status = job.StatusDeadLetter
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as dead_letter",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)
	e.extensions.EmitJobDeadLettered(ctx, j, handlerErr)

	e.logger.Warn("job dead-lettered after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}
