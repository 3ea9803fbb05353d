// Package audit is an extension that bridges job lifecycle events to an
// immutable audit trail backend.
//
// Every job and schedule lifecycle hook emits a structured audit event
// through the [Recorder] interface. The extension assigns severity levels
// (info for normal operations, warning for retries, critical for terminal
// failures) and rich metadata (job type, org, retry counts, errors).
//
// # Usage
//
//	reg.Register(audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Append(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	})))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(audit.ActionJobFailed, audit.ActionJobDeadLettered),
//	)
package audit
