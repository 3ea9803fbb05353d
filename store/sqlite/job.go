package sqlite

import (
	"context"
	"fmt"
	"time"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// claimAttempts bounds the CAS retry loop. Losing this many races in a
// row means pathological contention; the caller polls again anyway.
const claimAttempts = 8

// EnqueueJob persists a new pending job and stamps its timestamps.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.NewInsert().Model(toJobModel(j)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return keldris.ErrJobAlreadyExists
		}
		return fmt.Errorf("keldris/sqlite: enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keldris.ErrJobNotFound
		}
		return nil, fmt.Errorf("keldris/sqlite: get job: %w", err)
	}
	return s.fromJobModel(m)
}

// ClaimJob picks the org's best pending job and takes it with a guarded
// UPDATE. A lost race reloads the candidate and tries again; (nil, nil)
// means the org has no claimable work.
func (s *Store) ClaimJob(ctx context.Context, orgID string, workerID id.WorkerID) (*job.Job, error) {
	for range claimAttempts {
		m := new(jobModel)
		err := s.db.NewSelect().Model(m).
			Where("org_id = ?", orgID).
			Where("status = ?", string(job.StatusPending)).
			OrderExpr("priority DESC, created_at ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("keldris/sqlite: claim candidate: %w", err)
		}

		now := time.Now().UTC()
		res, err := s.db.NewUpdate().
			TableExpr("keldris_jobs").
			Set("status = ?", string(job.StatusRunning)).
			Set("worker_id = ?", workerID.String()).
			Set("started_at = ?", now).
			Set("heartbeat_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", m.ID).
			Where("status = ?", string(job.StatusPending)).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("keldris/sqlite: claim job: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			// Another claimer got there first.
			continue
		}

		m.Status = string(job.StatusRunning)
		m.WorkerID = workerID.String()
		m.StartedAt = &now
		m.HeartbeatAt = &now
		m.UpdatedAt = now
		return s.fromJobModel(m)
	}
	return nil, fmt.Errorf("keldris/sqlite: claim job: lost %d races, giving up", claimAttempts)
}

// ListJobs returns the org's jobs matching opts in claim order,
// priority descending then created_at ascending. Running jobs sort by
// started_at descending instead.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("org_id = ?", orgID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Type != "" {
		q = q.Where("job_type = ?", string(opts.Type))
	}
	if opts.Status == job.StatusRunning {
		q = q.OrderExpr("started_at DESC")
	} else {
		q = q.OrderExpr("priority DESC, created_at ASC")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("keldris/sqlite: list jobs: %w", err)
	}
	return s.fromJobModels(models)
}

// ListRetryReady returns failed jobs across all orgs whose next_retry_at
// has passed. A NULL next_retry_at sorts first: it means the backoff was
// never stamped and the job is overdue by definition.
func (s *Store) ListRetryReady(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("status = ?", string(job.StatusFailed)).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now.UTC()).
		OrderExpr("priority DESC, next_retry_at IS NOT NULL, next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("keldris/sqlite: list retry ready: %w", err)
	}
	return s.fromJobModels(models)
}

// RequeueJob moves a failed job back to pending, keeping retry_count and
// the last error for diagnosis.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewUpdate().
		TableExpr("keldris_jobs").
		Set("status = ?", string(job.StatusPending)).
		Set("next_retry_at = NULL").
		Set("worker_id = ''").
		Set("started_at = NULL").
		Set("heartbeat_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", jobID.String()).
		Where("status = ?", string(job.StatusFailed)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("keldris/sqlite: requeue job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.jobMutationConflict(ctx, jobID)
	}
	return nil
}

// CancelJob moves a pending or running job to canceled and returns the
// prior status. The guarded UPDATE retries when the status moved between
// read and write.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (job.Status, error) {
	for range claimAttempts {
		var priorStr string
		err := s.db.NewSelect().
			TableExpr("keldris_jobs").
			Column("status").
			Where("id = ?", jobID.String()).
			Limit(1).
			Scan(ctx, &priorStr)
		if err != nil {
			if isNoRows(err) {
				return "", keldris.ErrJobNotFound
			}
			return "", fmt.Errorf("keldris/sqlite: cancel job: %w", err)
		}

		prior := job.Status(priorStr)
		if prior.Terminal() {
			return "", keldris.ErrJobTerminal
		}
		if !job.CanTransition(prior, job.StatusCanceled) {
			return "", keldris.ErrInvalidStatus
		}

		now := time.Now().UTC()
		res, err := s.db.NewUpdate().
			TableExpr("keldris_jobs").
			Set("status = ?", string(job.StatusCanceled)).
			Set("completed_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", jobID.String()).
			Where("status = ?", priorStr).
			Exec(ctx)
		if err != nil {
			return "", fmt.Errorf("keldris/sqlite: cancel job: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows != 0 {
			return prior, nil
		}
	}
	return "", fmt.Errorf("keldris/sqlite: cancel job: lost %d races, giving up", claimAttempts)
}

// jobMutationConflict classifies a guarded update that matched no row.
func (s *Store) jobMutationConflict(ctx context.Context, jobID id.JobID) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return keldris.ErrInvalidStatus
}

// UpdateJob persists the full job record.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(toJobModel(j)).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("keldris/sqlite: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return keldris.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		TableExpr("keldris_jobs").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("keldris/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return keldris.ErrJobNotFound
	}
	return nil
}

// HeartbeatJob refreshes heartbeat_at for a running job. The worker
// guard stops a superseded claimer from keeping a reassigned job alive.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("keldris_jobs").
		Set("heartbeat_at = ?", time.Now().UTC()).
		Where("id = ?", jobID.String()).
		Where("status = ?", string(job.StatusRunning)).
		Where("worker_id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("keldris/sqlite: heartbeat job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.jobMutationConflict(ctx, jobID)
	}
	return nil
}

// ListStaleRunning returns running jobs whose last heartbeat (or start,
// when no heartbeat ever landed) is older than threshold.
func (s *Store) ListStaleRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*job.Job, error) {
	cutoff := now.UTC().Add(-threshold)

	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("status = ?", string(job.StatusRunning)).
		Where("COALESCE(heartbeat_at, started_at) < ?", cutoff).
		OrderExpr("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("keldris/sqlite: list stale running: %w", err)
	}
	return s.fromJobModels(models)
}

// ReapStaleJob settles a stale running job with a guarded write: the
// row only moves if it is still running and owned by expectedWorker, so
// a worker reporting an outcome in the meantime wins.
func (s *Store) ReapStaleJob(ctx context.Context, j *job.Job, expectedWorker id.WorkerID) error {
	j.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(toJobModel(j)).
		WherePK().
		Where("status = ?", string(job.StatusRunning)).
		Where("worker_id = ?", expectedWorker.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("keldris/sqlite: reap stale job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.jobMutationConflict(ctx, j.ID)
	}
	return nil
}

// PurgeTerminal deletes terminal jobs that settled before cutoff and
// returns how many rows went away.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("keldris_jobs").
		Where("status IN (?, ?, ?)",
			string(job.StatusCompleted),
			string(job.StatusDeadLetter),
			string(job.StatusCanceled)).
		Where("completed_at IS NOT NULL").
		Where("completed_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("keldris/sqlite: purge terminal: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// Summary builds a point-in-time snapshot for one org. SQLite handles
// the counts and the by-type breakdown; the wait average is computed in
// Go because SQLite stores timestamps as text.
func (s *Store) Summary(ctx context.Context, orgID string, now time.Time) (*job.Summary, error) {
	sum := &job.Summary{
		OrgID:         orgID,
		PendingByType: make(map[job.Type]int64),
	}

	var counts []struct {
		Status string `bun:"status"`
		N      int64  `bun:"n"`
	}
	err := s.db.NewSelect().
		TableExpr("keldris_jobs").
		ColumnExpr("status, COUNT(*) AS n").
		Where("org_id = ?", orgID).
		GroupExpr("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, fmt.Errorf("keldris/sqlite: summary counts: %w", err)
	}
	for _, c := range counts {
		switch job.Status(c.Status) {
		case job.StatusPending:
			sum.Pending = c.N
		case job.StatusRunning:
			sum.Running = c.N
		case job.StatusCompleted:
			sum.Completed = c.N
		case job.StatusFailed:
			sum.Failed = c.N
		case job.StatusDeadLetter:
			sum.DeadLetter = c.N
		case job.StatusCanceled:
			sum.Canceled = c.N
		}
	}

	if sum.Pending > 0 {
		var oldest time.Time
		err = s.db.NewSelect().
			TableExpr("keldris_jobs").
			ColumnExpr("MIN(created_at)").
			Where("org_id = ?", orgID).
			Where("status = ?", string(job.StatusPending)).
			Scan(ctx, &oldest)
		if err != nil {
			return nil, fmt.Errorf("keldris/sqlite: summary oldest pending: %w", err)
		}
		sum.OldestPending = &oldest

		var byType []struct {
			JobType string `bun:"job_type"`
			N       int64  `bun:"n"`
		}
		err = s.db.NewSelect().
			TableExpr("keldris_jobs").
			ColumnExpr("job_type, COUNT(*) AS n").
			Where("org_id = ?", orgID).
			Where("status = ?", string(job.StatusPending)).
			GroupExpr("job_type").
			Scan(ctx, &byType)
		if err != nil {
			return nil, fmt.Errorf("keldris/sqlite: summary by type: %w", err)
		}
		for _, bt := range byType {
			sum.PendingByType[job.Type(bt.JobType)] = bt.N
		}
	}

	windowStart := now.UTC().Add(-job.SummaryWaitWindow)
	var waits []struct {
		CreatedAt time.Time `bun:"created_at"`
		StartedAt time.Time `bun:"started_at"`
	}
	err = s.db.NewSelect().
		TableExpr("keldris_jobs").
		ColumnExpr("created_at, started_at").
		Where("org_id = ?", orgID).
		Where("status = ?", string(job.StatusCompleted)).
		Where("started_at IS NOT NULL").
		Where("completed_at > ?", windowStart).
		Scan(ctx, &waits)
	if err != nil {
		return nil, fmt.Errorf("keldris/sqlite: summary avg wait: %w", err)
	}
	if len(waits) > 0 {
		var total time.Duration
		for _, w := range waits {
			total += w.StartedAt.Sub(w.CreatedAt)
		}
		sum.AvgWait = total / time.Duration(len(waits))
	}

	return sum, nil
}
