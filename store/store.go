// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store contract; the composite Store adds
// lifecycle management on top. Backends: Postgres, SQLite (Bun),
// Redis, and Memory.
package store

import (
	"context"

	"github.com/MacJediWizard/keldris-sub016/job"
)

// Store is the aggregate persistence interface a single backend
// (postgres, sqlite, redis, memory) implements in full.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
