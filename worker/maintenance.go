package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/backoff"
	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// retryBatchSize caps how many due jobs one retry sweep re-surfaces.
const retryBatchSize = 100

// errHeartbeatLost is the failure recorded when the stale sweep reclaims
// a running job whose worker went silent.
var errHeartbeatLost = errors.New("worker heartbeat lost")

// Maintenance runs the background sweeps that keep the queue honest:
// the retry sweep re-surfaces failed jobs whose backoff elapsed, the
// stale sweep pushes heartbeat-dead running jobs through the failure
// path, and the retention sweep deletes terminal records past the
// retention window.
type Maintenance struct {
	store      job.Store
	extensions *ext.Registry
	backoff    backoff.Policy
	logger     *slog.Logger
	now        func() time.Time

	retrySweepInterval time.Duration
	staleThreshold     time.Duration
	retentionWindow    time.Duration
	gcInterval         time.Duration
}

// NewMaintenance creates a Maintenance runner from the dispatcher
// config. Sweeps with a zero interval or threshold are disabled.
func NewMaintenance(
	store job.Store,
	extensions *ext.Registry,
	policy backoff.Policy,
	logger *slog.Logger,
	cfg keldris.Config,
) *Maintenance {
	return &Maintenance{
		store:              store,
		extensions:         extensions,
		backoff:            policy,
		logger:             logger,
		now:                time.Now,
		retrySweepInterval: cfg.RetrySweepInterval,
		staleThreshold:     cfg.StaleRunningThreshold,
		retentionWindow:    cfg.RetentionWindow,
		gcInterval:         cfg.GCInterval,
	}
}

// SetNowFunc replaces the clock for tests.
func (m *Maintenance) SetNowFunc(fn func() time.Time) {
	m.now = fn
}

// Run drives the enabled sweeps on their tickers until ctx is done.
func (m *Maintenance) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.retrySweepInterval > 0 {
		g.Go(func() error {
			return m.loop(ctx, m.retrySweepInterval, func() {
				if _, err := m.RetrySweep(ctx); err != nil {
					m.logger.Error("retry sweep error", slog.String("error", err.Error()))
				}
			})
		})
	}
	if m.staleThreshold > 0 {
		g.Go(func() error {
			return m.loop(ctx, m.staleThreshold, func() {
				if _, err := m.StaleSweep(ctx); err != nil {
					m.logger.Error("stale sweep error", slog.String("error", err.Error()))
				}
			})
		})
	}
	if m.retentionWindow > 0 && m.gcInterval > 0 {
		g.Go(func() error {
			return m.loop(ctx, m.gcInterval, func() {
				if _, err := m.RetentionSweep(ctx); err != nil {
					m.logger.Error("retention sweep error", slog.String("error", err.Error()))
				}
			})
		})
	}

	return g.Wait()
}

func (m *Maintenance) loop(ctx context.Context, interval time.Duration, tick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// RetrySweep requeues failed jobs whose next_retry_at has elapsed and
// returns how many moved back to pending. Jobs mutated between listing
// and requeue are skipped.
func (m *Maintenance) RetrySweep(ctx context.Context) (int, error) {
	due, err := m.store.ListRetryReady(ctx, m.now().UTC(), retryBatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, j := range due {
		if err := m.store.RequeueJob(ctx, j.ID); err != nil {
			if errors.Is(err, keldris.ErrInvalidStatus) || errors.Is(err, keldris.ErrJobNotFound) {
				continue // raced with a cancel, replay, or purge
			}
			return requeued, err
		}
		requeued++

		m.logger.Debug("retry sweep requeued job",
			slog.String("job_id", j.ID.String()),
			slog.Int("retry_count", j.RetryCount),
		)
	}
	return requeued, nil
}

// StaleSweep pushes heartbeat-dead running jobs through the failure
// path: count the lost attempt, then retry or dead-letter exactly as if
// the handler had returned an error.
func (m *Maintenance) StaleSweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	stale, err := m.store.ListStaleRunning(ctx, now, m.staleThreshold)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, j := range stale {
		if sweepErr := m.sweepStaleJob(ctx, j, now); sweepErr != nil {
			if errors.Is(sweepErr, keldris.ErrInvalidStatus) || errors.Is(sweepErr, keldris.ErrJobNotFound) {
				continue // the worker settled it first, or it was purged
			}
			m.logger.Error("stale sweep: failed to settle job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", sweepErr.Error()),
			)
			continue
		}
		swept++
	}
	return swept, nil
}

// sweepStaleJob settles through the store's guarded write so a worker
// that reported an outcome after the stale listing keeps its result.
func (m *Maintenance) sweepStaleJob(ctx context.Context, j *job.Job, now time.Time) error {
	owner := j.WorkerID

	j.RetryCount++
	j.ErrorMessage = errHeartbeatLost.Error()
	j.LastErrorAt = &now
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	if j.RetriesExhausted() {
		j.Status = job.StatusDeadLetter
		j.CompletedAt = &now
		if err := m.store.ReapStaleJob(ctx, j, owner); err != nil {
			return err
		}
		m.extensions.EmitJobFailed(ctx, j, errHeartbeatLost)
		m.extensions.EmitJobDeadLettered(ctx, j, errHeartbeatLost)

		m.logger.Warn("stale job dead-lettered",
			slog.String("job_id", j.ID.String()),
			slog.Int("retry_count", j.RetryCount),
		)
		return nil
	}

	nextRetryAt := backoff.At(m.backoff, now, j.RetryCount)
	j.Status = job.StatusFailed
	j.NextRetryAt = &nextRetryAt
	if err := m.store.ReapStaleJob(ctx, j, owner); err != nil {
		return err
	}
	m.extensions.EmitJobFailed(ctx, j, errHeartbeatLost)
	m.extensions.EmitJobRetrying(ctx, j, j.RetryCount, nextRetryAt)

	m.logger.Info("stale job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.RetryCount),
		slog.Time("next_retry_at", nextRetryAt),
	)
	return nil
}

// RetentionSweep deletes terminal jobs that settled before the
// retention window and returns how many rows went away.
func (m *Maintenance) RetentionSweep(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.retentionWindow)
	removed, err := m.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("retention sweep purged terminal jobs",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}
