package audit_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-sub016/audit"
	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// memRecorder collects recorded events.
type memRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (r *memRecorder) Record(_ context.Context, evt *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *memRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

func newTestJob() *job.Job {
	return job.New("org-acme", job.TypeBackup, []byte(`{"path":"/srv"}`),
		job.WithPriority(3),
		job.WithMaxRetries(2),
	)
}

func TestExtension_Name(t *testing.T) {
	e := audit.New(&memRecorder{})
	if e.Name() != "audit" {
		t.Errorf("Name = %q", e.Name())
	}
}

func TestExtension_RecordsAllJobHooks(t *testing.T) {
	rec := &memRecorder{}
	e := audit.New(rec)
	ctx := context.Background()
	j := newTestJob()

	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if err := e.OnJobStarted(ctx, j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	if err := e.OnJobCompleted(ctx, j, 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("disk full")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if err := e.OnJobRetrying(ctx, j, 1, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	if err := e.OnJobDeadLettered(ctx, j, errors.New("disk full")); err != nil {
		t.Fatalf("OnJobDeadLettered: %v", err)
	}
	if err := e.OnJobCanceled(ctx, j, true); err != nil {
		t.Fatalf("OnJobCanceled: %v", err)
	}

	want := []string{
		audit.ActionJobEnqueued,
		audit.ActionJobStarted,
		audit.ActionJobCompleted,
		audit.ActionJobFailed,
		audit.ActionJobRetrying,
		audit.ActionJobDeadLettered,
		audit.ActionJobCanceled,
	}
	got := rec.actions()
	if len(got) != len(want) {
		t.Fatalf("recorded %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtension_EventShape(t *testing.T) {
	rec := &memRecorder{}
	e := audit.New(rec)
	j := newTestJob()

	if err := e.OnJobFailed(context.Background(), j, errors.New("disk full")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	evt := rec.events[0]
	if evt.Severity != audit.SeverityCritical || evt.Outcome != audit.OutcomeFailure {
		t.Errorf("severity/outcome = %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Resource != audit.ResourceJob || evt.Category != audit.CategoryJob {
		t.Errorf("resource/category = %q/%q", evt.Resource, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("resource id = %q", evt.ResourceID)
	}
	if evt.OrgID != "org-acme" {
		t.Errorf("org id = %q", evt.OrgID)
	}
	if evt.Reason != "disk full" || evt.Metadata["error"] != "disk full" {
		t.Errorf("reason = %q, metadata = %v", evt.Reason, evt.Metadata)
	}
	if evt.Metadata["job_type"] != "backup" {
		t.Errorf("metadata job_type = %v", evt.Metadata["job_type"])
	}
}

func TestExtension_ScheduleFired(t *testing.T) {
	rec := &memRecorder{}
	e := audit.New(rec)

	schedID := id.NewScheduleID()
	jobID := id.NewJobID()
	if err := e.OnScheduleFired(context.Background(), schedID, jobID); err != nil {
		t.Fatalf("OnScheduleFired: %v", err)
	}

	evt := rec.events[0]
	if evt.Action != audit.ActionScheduleFired || evt.ResourceID != schedID.String() {
		t.Errorf("event = %+v", evt)
	}
	if evt.Metadata["job_id"] != jobID.String() {
		t.Errorf("metadata job_id = %v", evt.Metadata["job_id"])
	}
}

func TestExtension_ActionFilter(t *testing.T) {
	rec := &memRecorder{}
	e := audit.New(rec, audit.WithActions(audit.ActionJobFailed, audit.ActionJobDeadLettered))
	ctx := context.Background()
	j := newTestJob()

	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	got := rec.actions()
	if len(got) != 1 || got[0] != audit.ActionJobFailed {
		t.Errorf("recorded = %v, want only job.failed", got)
	}
}

func TestExtension_RecorderErrorsAreSwallowed(t *testing.T) {
	rec := &memRecorder{err: errors.New("trail unavailable")}
	e := audit.New(rec, audit.WithLogger(slog.Default()))

	// A broken audit backend must not fail the lifecycle hook.
	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Errorf("hook err = %v, want nil", err)
	}
}

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &memRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(audit.New(rec))

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobCanceled(ctx, j, false)

	got := rec.actions()
	if len(got) != 2 || got[0] != audit.ActionJobEnqueued || got[1] != audit.ActionJobCanceled {
		t.Errorf("recorded = %v", got)
	}
}
