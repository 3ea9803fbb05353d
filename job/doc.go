// Package job defines the Job entity, its status state machine, the
// Store contract implemented by every backend, and the typed
// definition registry handlers are wired through.
package job
