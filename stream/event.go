// Package stream provides a real-time event broker for job lifecycle
// events. It bridges the ext.Extension system to connected clients via
// topic-based pub/sub with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Job events.
	EventJobEnqueued     EventType = "job.enqueued"
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobRetrying     EventType = "job.retrying"
	EventJobDeadLettered EventType = "job.dead_lettered"
	EventJobCanceled     EventType = "job.canceled"

	// Schedule events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity-specific channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID       string `json:"job_id"`
	JobType     string `json:"job_type"`
	OrgID       string `json:"org_id"`
	WorkerID    string `json:"worker_id,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
	WasRunning  bool   `json:"was_running,omitempty"`
}

// ScheduleEventData is the payload for schedule lifecycle events.
type ScheduleEventData struct {
	ScheduleID string `json:"schedule_id"`
	JobID      string `json:"job_id"`
}
