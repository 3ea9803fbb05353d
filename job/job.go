package job

import (
	"encoding/json"
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
)

// Type identifies what kind of work a job carries.
type Type string

// Built-in job types.
const (
	TypeBackup          Type = "backup"
	TypeRetentionSweep  Type = "retention_sweep"
	TypeVerification    Type = "verification"
	TypeDRTest          Type = "dr_test"
	TypeLifecycleDelete Type = "lifecycle_delete"
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status admits no further transitions.
// Failed is not terminal: a failed job either retries or escalates.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted,
		StatusFailed, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

// transitions holds the legal status graph. Canceled is reachable only
// from pending and running; a failed job may only go back to pending
// (retry) or escalate to dead_letter.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCanceled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCanceled, StatusDeadLetter},
	StatusFailed:  {StatusPending, StatusDeadLetter},
}

// CanTransition reports whether a job may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a unit of work owned by a single org. Payload is an opaque
// JSON document; everything else is queue bookkeeping.
type Job struct {
	ID    id.JobID `json:"id"`
	OrgID string   `json:"org_id"`
	Type  Type     `json:"type"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	Payload json.RawMessage `json:"payload,omitempty"`
	// PayloadDegraded is set on read when the stored payload no longer
	// decodes. The job is still returned so bookkeeping fields stay
	// reachable; Payload is emptied.
	PayloadDegraded bool `json:"payload_degraded,omitempty"`

	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`

	// Weak references back to the resources that spawned the job.
	// Zero values mean the job was enqueued ad hoc.
	AgentID      id.AgentID      `json:"agent_id,omitempty"`
	RepositoryID id.RepositoryID `json:"repository_id,omitempty"`
	ScheduleID   id.ScheduleID   `json:"schedule_id,omitempty"`

	// WorkerID identifies the claimer while the job is running.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// Timeout bounds a single execution attempt. Zero means the
	// executor default applies.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// New builds a pending job for org with a fresh ID. Timestamps are set
// by the store on enqueue.
func New(orgID string, typ Type, payload json.RawMessage, opts ...Option) *Job {
	j := &Job{
		ID:      id.NewJobID(),
		OrgID:   orgID,
		Type:    typ,
		Status:  StatusPending,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RetriesExhausted reports whether another failure must dead-letter the
// job instead of scheduling a retry. The attempt that just failed has
// already been counted in RetryCount.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount > j.MaxRetries
}

// DegradePayload clears an undecodable payload and flags the job.
// Returns true when the payload was in fact degraded. Empty payloads
// are fine.
func (j *Job) DegradePayload() bool {
	if len(j.Payload) == 0 || json.Valid(j.Payload) {
		return false
	}
	j.Payload = nil
	j.PayloadDegraded = true
	return true
}

// Clone returns a deep copy. Stores that keep jobs in process memory
// hand out clones so callers cannot mutate shared state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.LastErrorAt = cloneTime(j.LastErrorAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
