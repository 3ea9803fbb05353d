package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// jobColumns is the canonical column list every job query selects, in
// scanJob order.
const jobColumns = `
	id, org_id, job_type, status, priority, payload,
	retry_count, max_retries, next_retry_at, error_message, last_error_at,
	agent_id, repository_id, schedule_id, worker_id, timeout,
	created_at, updated_at, started_at, completed_at, heartbeat_at`

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	status := j.Status
	if status == "" {
		status = job.StatusPending
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO keldris_jobs (
			id, org_id, job_type, status, priority, payload,
			retry_count, max_retries, next_retry_at, error_message, last_error_at,
			agent_id, repository_id, schedule_id, worker_id, timeout,
			created_at, updated_at, started_at, completed_at, heartbeat_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21
		)`,
		j.ID.String(), j.OrgID, string(j.Type), string(status), j.Priority, []byte(j.Payload),
		j.RetryCount, j.MaxRetries, j.NextRetryAt, j.ErrorMessage, j.LastErrorAt,
		j.AgentID.String(), j.RepositoryID.String(), j.ScheduleID.String(),
		j.WorkerID.String(), j.Timeout.Nanoseconds(),
		now, now, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return keldris.ErrJobAlreadyExists
		}
		return fmt.Errorf("keldris/postgres: enqueue job: %w", err)
	}

	j.Status = status
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM keldris_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := s.scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, keldris.ErrJobNotFound
		}
		return nil, fmt.Errorf("keldris/postgres: get job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the org's best pending job using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent claimers never
// receive the same row. Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimJob(ctx context.Context, orgID string, workerID id.WorkerID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE keldris_jobs
		SET status = 'running', worker_id = $2,
		    started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM keldris_jobs
			WHERE status = 'pending' AND org_id = $1
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		orgID, workerID.String(),
	)

	j, err := s.scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keldris/postgres: claim job: %w", err)
	}
	return j, nil
}

// ListJobs returns the org's jobs matching opts in claim order,
// priority descending then created_at ascending. Running jobs sort by
// started_at descending instead.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM keldris_jobs WHERE org_id = $1`
	args := []interface{}{orgID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, string(opts.Type))
		argIdx++
	}

	if opts.Status == job.StatusRunning {
		query += " ORDER BY started_at DESC"
	} else {
		query += " ORDER BY priority DESC, created_at ASC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keldris/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return s.collectJobs(rows)
}

// ListRetryReady returns failed jobs across all orgs whose next_retry_at
// is unset or has elapsed, ordered priority descending then
// next_retry_at ascending with nulls first.
func (s *Store) ListRetryReady(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM keldris_jobs
		WHERE status = 'failed'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY priority DESC, next_retry_at ASC NULLS FIRST`
	args := []interface{}{now}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keldris/postgres: list retry ready: %w", err)
	}
	defer rows.Close()

	return s.collectJobs(rows)
}

// RequeueJob moves a failed job back to pending. The status guard in
// the WHERE clause makes concurrent double-requeue a clean rejection
// rather than a lost update.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keldris_jobs
		SET status = 'pending', next_retry_at = NULL, worker_id = '',
		    started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("keldris/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMutationConflict(ctx, jobID)
	}
	return nil
}

// CancelJob cancels a pending or running job and returns the status it
// held before cancellation.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (job.Status, error) {
	var prior string
	err := s.pool.QueryRow(ctx, `
		UPDATE keldris_jobs
		SET status = 'canceled', completed_at = NOW(), updated_at = NOW()
		FROM (
			SELECT id, status AS prior_status FROM keldris_jobs
			WHERE id = $1
			FOR UPDATE
		) prior
		WHERE keldris_jobs.id = prior.id
		  AND prior.prior_status IN ('pending', 'running')
		RETURNING prior.prior_status`,
		jobID.String(),
	).Scan(&prior)
	if err != nil {
		if isNoRows(err) {
			return "", s.cancelConflict(ctx, jobID)
		}
		return "", fmt.Errorf("keldris/postgres: cancel job: %w", err)
	}
	return job.Status(prior), nil
}

// cancelConflict classifies a cancel that matched no row.
func (s *Store) cancelConflict(ctx context.Context, jobID id.JobID) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM keldris_jobs WHERE id = $1`, jobID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return keldris.ErrJobNotFound
		}
		return fmt.Errorf("keldris/postgres: cancel job: %w", err)
	}
	if job.Status(status).Terminal() {
		return keldris.ErrJobTerminal
	}
	return keldris.ErrInvalidStatus
}

// jobMutationConflict classifies a guarded update that matched no row.
func (s *Store) jobMutationConflict(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM keldris_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("keldris/postgres: check job: %w", err)
	}
	if !exists {
		return keldris.ErrJobNotFound
	}
	return keldris.ErrInvalidStatus
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keldris_jobs SET
			org_id = $2, job_type = $3, status = $4, priority = $5, payload = $6,
			retry_count = $7, max_retries = $8, next_retry_at = $9,
			error_message = $10, last_error_at = $11,
			agent_id = $12, repository_id = $13, schedule_id = $14,
			worker_id = $15, timeout = $16,
			started_at = $17, completed_at = $18, heartbeat_at = $19,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.OrgID, string(j.Type), string(j.Status), j.Priority, []byte(j.Payload),
		j.RetryCount, j.MaxRetries, j.NextRetryAt,
		j.ErrorMessage, j.LastErrorAt,
		j.AgentID.String(), j.RepositoryID.String(), j.ScheduleID.String(),
		j.WorkerID.String(), j.Timeout.Nanoseconds(),
		j.StartedAt, j.CompletedAt, j.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("keldris/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keldris.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM keldris_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("keldris/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keldris.ErrJobNotFound
	}
	return nil
}

// HeartbeatJob stamps the heartbeat of a running job owned by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keldris_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("keldris/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMutationConflict(ctx, jobID)
	}
	return nil
}

// ListStaleRunning returns running jobs whose heartbeat (or start time,
// if no heartbeat was ever recorded) is older than threshold.
func (s *Store) ListStaleRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*job.Job, error) {
	cutoff := now.Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM keldris_jobs
		WHERE status = 'running'
		  AND COALESCE(heartbeat_at, started_at) < $1
		ORDER BY created_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("keldris/postgres: list stale running: %w", err)
	}
	defer rows.Close()

	return s.collectJobs(rows)
}

// ReapStaleJob settles a stale running job with a guarded write: the
// row only moves if it is still running and owned by expectedWorker, so
// a worker reporting an outcome in the meantime wins.
func (s *Store) ReapStaleJob(ctx context.Context, j *job.Job, expectedWorker id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keldris_jobs SET
			status = $3, retry_count = $4, next_retry_at = $5,
			error_message = $6, last_error_at = $7,
			worker_id = $8, started_at = $9, heartbeat_at = $10,
			completed_at = $11, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2`,
		j.ID.String(), expectedWorker.String(),
		string(j.Status), j.RetryCount, j.NextRetryAt,
		j.ErrorMessage, j.LastErrorAt,
		j.WorkerID.String(), j.StartedAt, j.HeartbeatAt,
		j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("keldris/postgres: reap stale job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMutationConflict(ctx, j.ID)
	}
	return nil
}

// PurgeTerminal deletes terminal jobs settled before the cutoff and
// returns the count removed.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM keldris_jobs
		WHERE status IN ('completed', 'dead_letter', 'canceled')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("keldris/postgres: purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Summary computes the org's queue snapshot in two aggregate reads.
func (s *Store) Summary(ctx context.Context, orgID string, now time.Time) (*job.Summary, error) {
	sum := &job.Summary{
		OrgID:         orgID,
		PendingByType: make(map[job.Type]int64),
	}
	windowStart := now.Add(-job.SummaryWaitWindow)

	var avgWaitSeconds float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'dead_letter'),
			COUNT(*) FILTER (WHERE status = 'canceled'),
			MIN(created_at) FILTER (WHERE status = 'pending'),
			COALESCE(
				AVG(EXTRACT(EPOCH FROM (started_at - created_at)))
					FILTER (WHERE status = 'completed'
						AND completed_at > $2
						AND started_at IS NOT NULL),
				0)
		FROM keldris_jobs
		WHERE org_id = $1`,
		orgID, windowStart,
	).Scan(
		&sum.Pending, &sum.Running, &sum.Completed, &sum.Failed,
		&sum.DeadLetter, &sum.Canceled, &sum.OldestPending, &avgWaitSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("keldris/postgres: summary counts: %w", err)
	}
	sum.AvgWait = time.Duration(avgWaitSeconds * float64(time.Second))

	rows, err := s.pool.Query(ctx, `
		SELECT job_type, COUNT(*)
		FROM keldris_jobs
		WHERE org_id = $1 AND status = 'pending'
		GROUP BY job_type`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("keldris/postgres: summary by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ   string
			count int64
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("keldris/postgres: scan summary row: %w", err)
		}
		sum.PendingByType[job.Type(typ)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keldris/postgres: iterate summary rows: %w", err)
	}
	return sum, nil
}

// scanJob scans a single job row, degrading undecodable payloads
// instead of failing the read.
func (s *Store) scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		typeStr   string
		statusStr string
		payload   []byte
		agentStr  string
		repoStr   string
		schedStr  string
		workerStr string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.OrgID, &typeStr, &statusStr, &j.Priority, &payload,
		&j.RetryCount, &j.MaxRetries, &j.NextRetryAt, &j.ErrorMessage, &j.LastErrorAt,
		&agentStr, &repoStr, &schedStr, &workerStr, &timeoutNs,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typeStr)
	j.Status = job.Status(statusStr)
	j.Payload = payload
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("keldris/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if agentStr != "" {
		if parsed, err := id.ParseAgentID(agentStr); err == nil {
			j.AgentID = parsed
		}
	}
	if repoStr != "" {
		if parsed, err := id.ParseRepositoryID(repoStr); err == nil {
			j.RepositoryID = parsed
		}
	}
	if schedStr != "" {
		if parsed, err := id.ParseScheduleID(schedStr); err == nil {
			j.ScheduleID = parsed
		}
	}
	if workerStr != "" {
		if parsed, err := id.ParseWorkerID(workerStr); err == nil {
			j.WorkerID = parsed
		}
	}

	if j.DegradePayload() {
		s.logger.Warn("job payload does not decode, returning degraded record",
			"job_id", j.ID.String(),
			"job_type", string(j.Type),
		)
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func (s *Store) collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("keldris/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keldris/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
