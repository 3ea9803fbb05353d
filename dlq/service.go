package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// Service provides high-level dead-letter operations over the job store.
type Service struct {
	store  job.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a dead-letter service.
func NewService(store job.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// SetNowFunc overrides the service's clock. Test use only.
func (s *Service) SetNowFunc(fn func() time.Time) {
	s.now = fn
}

// List returns the org's dead-lettered jobs, newest first.
func (s *Service) List(ctx context.Context, orgID string, limit int) ([]*job.Job, error) {
	return s.store.ListJobs(ctx, orgID, job.ListOpts{
		Status: job.StatusDeadLetter,
		Limit:  limit,
	})
}

// Count returns the number of dead-lettered jobs for the org.
func (s *Service) Count(ctx context.Context, orgID string) (int64, error) {
	summary, err := s.store.Summary(ctx, orgID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return summary.DeadLetter, nil
}

// Replay clones a dead-lettered job as a fresh pending job with a new ID
// and a zeroed retry count. The dead-letter record stays in place for
// inspection until retention GC removes it.
//
// ErrInvalidStatus when the job is not dead-lettered; ErrJobNotFound when
// it does not exist.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	original, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if original.Status != job.StatusDeadLetter {
		return nil, fmt.Errorf("keldris/dlq: replay %s in status %q: %w",
			jobID, original.Status, keldris.ErrInvalidStatus)
	}
	if original.PayloadDegraded {
		return nil, fmt.Errorf("keldris/dlq: replay %s: %w", jobID, keldris.ErrPayloadEncode)
	}

	fresh := job.New(original.OrgID, original.Type, original.Payload,
		job.WithPriority(original.Priority),
		job.WithMaxRetries(original.MaxRetries),
		job.WithTimeout(original.Timeout),
	)
	fresh.AgentID = original.AgentID
	fresh.RepositoryID = original.RepositoryID
	fresh.ScheduleID = original.ScheduleID

	if err := s.store.EnqueueJob(ctx, fresh); err != nil {
		return nil, err
	}

	s.logger.Info("dead-letter replayed",
		slog.String("job_id", jobID.String()),
		slog.String("replay_id", fresh.ID.String()),
		slog.String("org_id", original.OrgID),
		slog.String("job_type", string(original.Type)),
	)
	return fresh, nil
}
