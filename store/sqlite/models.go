package sqlite

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:keldris_jobs"`

	ID           string     `bun:"id,pk"`
	OrgID        string     `bun:"org_id,notnull"`
	JobType      string     `bun:"job_type,notnull"`
	Status       string     `bun:"status,notnull,default:'pending'"`
	Priority     int        `bun:"priority,notnull,default:0"`
	Payload      []byte     `bun:"payload,type:blob"`
	RetryCount   int        `bun:"retry_count,notnull,default:0"`
	MaxRetries   int        `bun:"max_retries,notnull,default:0"`
	NextRetryAt  *time.Time `bun:"next_retry_at"`
	ErrorMessage string     `bun:"error_message,notnull,default:''"`
	LastErrorAt  *time.Time `bun:"last_error_at"`
	AgentID      string     `bun:"agent_id,notnull,default:''"`
	RepositoryID string     `bun:"repository_id,notnull,default:''"`
	ScheduleID   string     `bun:"schedule_id,notnull,default:''"`
	WorkerID     string     `bun:"worker_id,notnull,default:''"`
	Timeout      int64      `bun:"timeout,notnull,default:0"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull"`
	StartedAt    *time.Time `bun:"started_at"`
	CompletedAt  *time.Time `bun:"completed_at"`
	HeartbeatAt  *time.Time `bun:"heartbeat_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:           j.ID.String(),
		OrgID:        j.OrgID,
		JobType:      string(j.Type),
		Status:       string(j.Status),
		Priority:     j.Priority,
		Payload:      j.Payload,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		NextRetryAt:  j.NextRetryAt,
		ErrorMessage: j.ErrorMessage,
		LastErrorAt:  j.LastErrorAt,
		AgentID:      idString(j.AgentID),
		RepositoryID: idString(j.RepositoryID),
		ScheduleID:   idString(j.ScheduleID),
		WorkerID:     idString(j.WorkerID),
		Timeout:      j.Timeout.Nanoseconds(),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		HeartbeatAt:  j.HeartbeatAt,
	}
}

// fromJobModel converts a row back to a job, degrading undecodable
// payloads instead of failing the read.
func (s *Store) fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("keldris/sqlite: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:           jobID,
		OrgID:        m.OrgID,
		Type:         job.Type(m.JobType),
		Status:       job.Status(m.Status),
		Priority:     m.Priority,
		Payload:      m.Payload,
		RetryCount:   m.RetryCount,
		MaxRetries:   m.MaxRetries,
		NextRetryAt:  m.NextRetryAt,
		ErrorMessage: m.ErrorMessage,
		LastErrorAt:  m.LastErrorAt,
		AgentID:      parseWeakID(m.AgentID, id.ParseAgentID),
		RepositoryID: parseWeakID(m.RepositoryID, id.ParseRepositoryID),
		ScheduleID:   parseWeakID(m.ScheduleID, id.ParseScheduleID),
		WorkerID:     parseWeakID(m.WorkerID, id.ParseWorkerID),
		Timeout:      time.Duration(m.Timeout),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		HeartbeatAt:  m.HeartbeatAt,
	}

	if j.DegradePayload() {
		s.logger.Warn("job payload no longer decodes, returning degraded",
			"job_id", j.ID, "org_id", j.OrgID)
	}
	return j, nil
}

func (s *Store) fromJobModels(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := s.fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func idString(v id.ID) string {
	if v.IsNil() {
		return ""
	}
	return v.String()
}

// parseWeakID tolerates unparsable references: the column is a weak
// pointer back to another resource, not something a read should fail on.
func parseWeakID(s string, parse func(string) (id.ID, error)) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := parse(s)
	if err != nil {
		return id.Nil
	}
	return v
}
