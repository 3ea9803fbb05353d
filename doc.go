// Package keldris provides the persistent, multi-tenant job queue that
// coordinates deferred background work for the Keldris platform — backups,
// retention sweeps, verification runs, disaster-recovery tests, and
// lifecycle deletions — submitted by many producers and executed by many
// concurrent workers.
//
// The queue is a library, not a service. Configure a store, register job
// handlers as ordinary Go functions, and start a worker pool:
//
//	d, err := keldris.New(
//	    keldris.WithStore(pgStore),
//	    keldris.WithOrgs([]string{orgID}),
//	    keldris.WithConcurrency(8),
//	)
//
// # Architecture
//
// All coordination state lives in the shared store; the queue holds no
// in-process global state, so any number of worker processes may poll the
// same store concurrently. The store owns the atomic claim primitive:
// ClaimJob transitions the highest-priority, oldest pending job of a
// tenant to running and delivers it to exactly one caller. Backends that
// support row-skip locking (Postgres) claim with FOR UPDATE SKIP LOCKED;
// backends that don't (SQLite, memory, Redis) provide the equivalent
// guarantee with compare-and-swap claims.
//
// Failed jobs return to the retry pool with a backoff-computed
// next_retry_at until their retry budget is exhausted, at which point they
// escalate to the terminal dead_letter status for operator remediation.
// Terminal records are eventually removed by the retention GC.
//
// All entity IDs are TypeIDs — prefix-qualified, K-sortable, UUIDv7-based
// identifiers.
package keldris
