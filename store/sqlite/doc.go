// Package sqlite implements the job store on an embedded SQLite database
// via Bun. It is the zero-infrastructure backend for single-node
// deployments and edge appliances: one file on disk, no server process.
//
// SQLite has no SELECT FOR UPDATE SKIP LOCKED, so ClaimJob uses a
// compare-and-swap loop: pick the best pending candidate, then take it
// with a guarded UPDATE and retry on a lost race.
package sqlite
