// Package dlq provides inspection and replay of dead-lettered jobs.
//
// Jobs that exhaust their retry budget stay in the store with status
// dead_letter until retention GC removes them. There is no separate
// dead-letter table: the [Service] is a view over the job store.
//
// # Replay
//
// Replay clones a dead-lettered job as a fresh pending job with a new ID
// and a zeroed retry count. The original record is left untouched so the
// failure history survives for inspection:
//
//	fresh, err := svc.Replay(ctx, deadJobID)
//
// The clone carries the original's org, type, payload, priority, timeout
// and retry budget. Replaying a job that is not dead-lettered fails with
// ErrInvalidStatus.
package dlq
