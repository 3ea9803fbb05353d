package job

import (
	"context"
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
)

// ListOpts filters ListJobs. Zero values mean "any".
type ListOpts struct {
	Status Status
	Type   Type
	// Limit caps the result set. Zero means no cap.
	Limit int
}

// SummaryWaitWindow is the trailing window AvgWait is computed over.
const SummaryWaitWindow = 24 * time.Hour

// Summary is a point-in-time snapshot of one org's queue.
type Summary struct {
	OrgID string `json:"org_id"`

	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
	Canceled   int64 `json:"canceled"`

	// OldestPending is the enqueue time of the longest-waiting pending
	// job, nil when nothing is pending.
	OldestPending *time.Time `json:"oldest_pending,omitempty"`

	PendingByType map[Type]int64 `json:"pending_by_type,omitempty"`

	// AvgWait is the mean enqueue-to-start latency of jobs completed
	// within SummaryWaitWindow. Zero when no job qualifies.
	AvgWait time.Duration `json:"avg_wait"`
}

// Store is the persistence contract every backend implements.
//
// ClaimJob is the atomicity boundary of the whole system: under
// concurrent claimers each pending job is handed to exactly one caller.
// It returns (nil, nil) when the org has no claimable work.
type Store interface {
	// EnqueueJob persists a new pending job and stamps CreatedAt and
	// UpdatedAt. Fails with ErrJobAlreadyExists on an ID collision.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob fetches one job. An undecodable payload does not fail the
	// read; the job comes back with PayloadDegraded set.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically moves the org's best pending job to running,
	// stamps StartedAt and HeartbeatAt, and assigns workerID. Ordering
	// is priority descending, then enqueue time ascending.
	ClaimJob(ctx context.Context, orgID string, workerID id.WorkerID) (*Job, error)

	// ListJobs returns the org's jobs matching opts in claim order,
	// priority descending then CreatedAt ascending. Running jobs sort
	// by StartedAt descending instead.
	ListJobs(ctx context.Context, orgID string, opts ListOpts) ([]*Job, error)

	// ListRetryReady returns failed jobs across all orgs whose
	// NextRetryAt has passed, priority descending then NextRetryAt
	// ascending.
	ListRetryReady(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// RequeueJob moves a failed job back to pending, clearing worker
	// assignment and execution timestamps but keeping RetryCount and
	// the last error for diagnosis. ErrInvalidStatus when not failed.
	RequeueJob(ctx context.Context, jobID id.JobID) error

	// CancelJob moves a pending or running job to canceled and returns
	// the prior status so callers can tell whether an executing
	// attempt needs interrupting. ErrJobTerminal when already settled.
	CancelJob(ctx context.Context, jobID id.JobID) (Status, error)

	// UpdateJob persists all mutable fields and bumps UpdatedAt.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job outright.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// HeartbeatJob stamps HeartbeatAt for a running job owned by
	// workerID. ErrInvalidStatus when the job is no longer running or
	// owned elsewhere.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ListStaleRunning returns running jobs whose last heartbeat is
	// older than threshold, candidates for the stale sweep.
	ListStaleRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*Job, error)

	// ReapStaleJob persists j's settled state only while the stored
	// record is still running and owned by expectedWorker, so a worker
	// reporting an outcome between listing and settling wins the race.
	// ErrInvalidStatus when another writer settled the job first,
	// ErrJobNotFound when it is gone.
	ReapStaleJob(ctx context.Context, j *Job, expectedWorker id.WorkerID) error

	// PurgeTerminal deletes terminal jobs whose settlement time is
	// older than the cutoff and reports how many went. Pending,
	// running and failed jobs are never touched.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// Summary computes the org's queue snapshot.
	Summary(ctx context.Context, orgID string, now time.Time) (*Summary, error)
}
