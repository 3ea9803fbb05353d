// Package queue enforces per-org claim throttling.
//
// Every claim loop asks the [Manager] for an admission ticket before
// touching the store. Limits combine a token-bucket rate limiter
// (golang.org/x/time/rate) with an active-count concurrency gate, so a
// single org with a deep backlog cannot monopolize the worker pool.
//
//	m := queue.NewManager(
//	    queue.Limits{OrgID: "org-acme", RateLimit: 5, MaxConcurrency: 3},
//	)
//	if m.Acquire(orgID) {
//	    defer m.Release(orgID)
//	    // claim and run one job
//	}
//
// Orgs without explicit limits fall back to the default limits, if any;
// otherwise they are admitted unconditionally.
package queue
