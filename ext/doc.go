// Package ext defines the extension system. Extensions are notified of
// job lifecycle events (enqueued, started, completed, failed, retrying,
// dead-lettered, canceled) and can react to them — audit trails,
// metrics, notification fan-out.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about:
//
//	type auditTrail struct{ log *slog.Logger }
//
//	func (a *auditTrail) Name() string { return "audit-trail" }
//
//	func (a *auditTrail) OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error {
//	    a.log.Error("job dead-lettered", "job_id", j.ID, "error", err)
//	    return nil
//	}
//
// Hook errors are logged and swallowed; an extension can never stall
// the queue.
package ext
