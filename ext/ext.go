package ext

import (
	"context"
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins executing it.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called on every failed attempt, whether or not a retry
// follows.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a failed job is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRetryAt time.Time) error
}

// JobDeadLettered is called when a job exhausts its retry budget and
// escalates to dead_letter.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error
}

// JobCanceled is called after an operator cancels a job. wasRunning
// tells listeners whether an in-flight attempt may still need
// interrupting.
type JobCanceled interface {
	OnJobCanceled(ctx context.Context, j *job.Job, wasRunning bool) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when a schedule fires and enqueues a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleID id.ScheduleID, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
