package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionJobEnqueued     = "job.enqueued"
	ActionJobStarted      = "job.started"
	ActionJobCompleted    = "job.completed"
	ActionJobFailed       = "job.failed"
	ActionJobRetrying     = "job.retrying"
	ActionJobDeadLettered = "job.dead_lettered"
	ActionJobCanceled     = "job.canceled"
	ActionScheduleFired   = "schedule.fired"
)

// Audit event categories group related actions.
const (
	CategoryJob      = "keldris.job"
	CategorySchedule = "keldris.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob      = "job"
	ResourceSchedule = "schedule_entry"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobDeadLettered,
		ActionJobCanceled,
		ActionScheduleFired,
	}
}
