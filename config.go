package keldris

import "time"

// Config holds configuration for the Dispatcher and its worker pool.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// Orgs is the list of tenant IDs this dispatcher will poll.
	Orgs []string

	// PollInterval is how often each worker polls for a claimable job.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running jobs send heartbeats.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// StaleRunningThreshold is how long a running job may go without a
	// heartbeat before the stale sweep pushes it through the failure
	// path. Zero disables the stale sweep.
	StaleRunningThreshold time.Duration

	// RetrySweepInterval is how often the retry sweep re-surfaces failed
	// jobs whose next_retry_at has elapsed.
	RetrySweepInterval time.Duration

	// RetentionWindow is how long terminal (completed / dead_letter)
	// records are kept before the retention GC deletes them.
	RetentionWindow time.Duration

	// GCInterval is how often the retention GC runs.
	GCInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:           10,
		PollInterval:          1 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		HeartbeatInterval:     10 * time.Second,
		StaleRunningThreshold: 30 * time.Second,
		RetrySweepInterval:    5 * time.Second,
		RetentionWindow:       30 * 24 * time.Hour,
		GCInterval:            1 * time.Hour,
	}
}
