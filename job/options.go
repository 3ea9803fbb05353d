package job

import (
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
)

// Option mutates a job at construction time.
type Option func(*Job)

// WithPriority sets the claim priority. Higher claims first.
func WithPriority(p int) Option {
	return func(j *Job) { j.Priority = p }
}

// WithMaxRetries sets the retry budget. A budget of n allows n retries
// after the first attempt.
func WithMaxRetries(n int) Option {
	return func(j *Job) { j.MaxRetries = n }
}

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) { j.Timeout = d }
}

// WithAgent records the agent the job was enqueued for.
func WithAgent(agentID id.AgentID) Option {
	return func(j *Job) { j.AgentID = agentID }
}

// WithRepository records the repository the job operates on.
func WithRepository(repoID id.RepositoryID) Option {
	return func(j *Job) { j.RepositoryID = repoID }
}

// WithSchedule records the schedule that spawned the job.
func WithSchedule(schedID id.ScheduleID) Option {
	return func(j *Job) { j.ScheduleID = schedID }
}
