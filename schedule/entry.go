package schedule

import (
	"encoding/json"
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// Entry binds a cron expression to a recurring enqueue.
type Entry struct {
	ID    id.ScheduleID `json:"id"`
	Name  string        `json:"name"`
	OrgID string        `json:"org_id"`

	// Expr is a cron expression (e.g. "0 2 * * *" or "@every 15m").
	Expr string `json:"expr"`

	// JobType and Payload describe the job enqueued on each fire.
	JobType job.Type        `json:"job_type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Options are applied to every job this entry enqueues
	// (priority, retry budget, timeout).
	Options []job.Option `json:"-"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
}

// Definition is a typed schedule definition. T is the payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name uniquely identifies the entry within the scheduler.
	Name string

	// OrgID scopes the enqueued jobs to a tenant.
	OrgID string

	// Expr is the cron expression evaluated on each tick.
	Expr string

	// JobType is the job type enqueued when the entry fires.
	JobType job.Type

	// Payload is the static payload passed to every enqueued job.
	Payload T

	// Options are applied to every enqueued job.
	Options []job.Option
}

// Entry converts the typed definition into a registrable entry.
// Returns an error if the payload does not serialize.
func (d Definition[T]) Entry() (*Entry, error) {
	raw, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Name:    d.Name,
		OrgID:   d.OrgID,
		Expr:    d.Expr,
		JobType: d.JobType,
		Payload: raw,
		Options: d.Options,
		Enabled: true,
	}, nil
}
