// Package schedule turns cron expressions into recurring enqueues.
//
// A [Scheduler] holds a set of named entries, each binding a cron
// expression to an org, a job type, and a static payload. On every tick
// the scheduler fires the entries whose NextRunAt has passed: it enqueues
// a job through the engine-provided callback, stamps LastRunAt, and
// advances NextRunAt from the parsed expression.
//
// Expressions use the standard 5-field cron syntax plus descriptors
// ("@every 30s", "@daily"). Entries live in memory and are registered at
// startup; they are triggers, not managed records.
//
// The [ext.ScheduleFired] hook fires after each successful enqueue.
package schedule
