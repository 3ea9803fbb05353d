package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/backoff"
	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
	"github.com/MacJediWizard/keldris-sub016/store/memory"
	"github.com/MacJediWizard/keldris-sub016/worker"
)

func setupMaintenance(t *testing.T, cfg keldris.Config) (*worker.Maintenance, *memory.Store, *fakeClock, *trackingExt) {
	t.Helper()
	logger := slog.Default()
	clock := newFakeClock()

	s := memory.New()
	s.SetNowFunc(clock.Now)

	extensions := ext.NewRegistry(logger)
	tracker := &trackingExt{}
	extensions.Register(tracker)

	m := worker.NewMaintenance(s, extensions, backoff.NewFixed(time.Minute), logger, cfg)
	m.SetNowFunc(clock.Now)

	return m, s, clock, tracker
}

// failJob claims a job and marks it failed with the given retry state.
func failJob(t *testing.T, s *memory.Store, clock *fakeClock, j *job.Job, retryCount int, nextRetryAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimJob(ctx, j.OrgID, id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	claimed.Status = job.StatusFailed
	claimed.RetryCount = retryCount
	claimed.NextRetryAt = nextRetryAt
	claimed.ErrorMessage = "induced failure"
	now := clock.Now().UTC()
	claimed.LastErrorAt = &now
	if err := s.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMaintenance_RetrySweep(t *testing.T) {
	m, s, clock, _ := setupMaintenance(t, keldris.DefaultConfig())
	ctx := context.Background()

	past := clock.Now().UTC().Add(-time.Minute)
	future := clock.Now().UTC().Add(time.Hour)

	due := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(3))
	failJob(t, s, clock, due, 1, &past)
	notYet := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(3))
	failJob(t, s, clock, notYet, 1, &future)

	requeued, err := m.RetrySweep(ctx)
	if err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}

	got, err := s.GetJob(ctx, due.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("due job status = %q, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want kept at 1", got.RetryCount)
	}

	got, err = s.GetJob(ctx, notYet.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("future job status = %q, want still failed", got.Status)
	}
}

func TestMaintenance_RetrySweepSkipsRacedJobs(t *testing.T) {
	m, s, clock, _ := setupMaintenance(t, keldris.DefaultConfig())
	ctx := context.Background()

	past := clock.Now().UTC().Add(-time.Minute)
	j := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(3))
	failJob(t, s, clock, j, 1, &past)

	// Delete the job after it would be listed, simulating a raced purge.
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	requeued, err := m.RetrySweep(ctx)
	if err != nil {
		t.Fatalf("retry sweep must tolerate vanished jobs: %v", err)
	}
	if requeued != 0 {
		t.Errorf("requeued = %d, want 0", requeued)
	}
}

func TestMaintenance_StaleSweepRetries(t *testing.T) {
	cfg := keldris.DefaultConfig()
	cfg.StaleRunningThreshold = 5 * time.Minute
	m, s, clock, tracker := setupMaintenance(t, cfg)
	ctx := context.Background()

	j := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(3))
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The worker goes silent past the threshold.
	clock.Advance(10 * time.Minute)

	swept, err := m.StaleSweep(ctx)
	if err != nil {
		t.Fatalf("stale sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 (lost attempt counted)", got.RetryCount)
	}
	if got.NextRetryAt == nil {
		t.Error("expected NextRetryAt stamped")
	}
	if !got.WorkerID.IsNil() || got.StartedAt != nil || got.HeartbeatAt != nil {
		t.Errorf("worker assignment not cleared: %+v", got)
	}
	if !tracker.retrying.Load() {
		t.Error("expected OnJobRetrying to fire")
	}
}

func TestMaintenance_StaleSweepDeadLetters(t *testing.T) {
	cfg := keldris.DefaultConfig()
	cfg.StaleRunningThreshold = 5 * time.Minute
	m, s, clock, tracker := setupMaintenance(t, cfg)
	ctx := context.Background()

	// Already at the retry budget: the lost attempt is the last straw.
	j := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(1))
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	claimed.RetryCount = 1
	if err := s.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}

	clock.Advance(10 * time.Minute)

	if _, err := m.StaleSweep(ctx); err != nil {
		t.Fatalf("stale sweep: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("dead-lettered job must stamp CompletedAt")
	}
	if !tracker.deadLettered.Load() {
		t.Error("expected OnJobDeadLettered to fire")
	}
}

func TestMaintenance_RetentionSweep(t *testing.T) {
	cfg := keldris.DefaultConfig()
	cfg.RetentionWindow = 24 * time.Hour
	m, s, clock, _ := setupMaintenance(t, cfg)
	ctx := context.Background()

	old := clock.Now().UTC().Add(-48 * time.Hour)
	settled := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, settled); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := s.GetJob(ctx, settled.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = job.StatusCompleted
	got.CompletedAt = &old
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	keeper := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, keeper); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed, err := m.RetentionSweep(ctx)
	if err != nil {
		t.Fatalf("retention sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetJob(ctx, settled.ID); !errors.Is(err, keldris.ErrJobNotFound) {
		t.Errorf("purged job get err = %v, want ErrJobNotFound", err)
	}
	if _, err := s.GetJob(ctx, keeper.ID); err != nil {
		t.Error("pending job was purged")
	}
}

func TestMaintenance_RunStopsOnContextCancel(t *testing.T) {
	cfg := keldris.DefaultConfig()
	cfg.RetrySweepInterval = 10 * time.Millisecond
	cfg.StaleRunningThreshold = 10 * time.Millisecond
	cfg.GCInterval = 10 * time.Millisecond
	m, _, _, _ := setupMaintenance(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance did not stop after context cancel")
	}
}

// settleAfterList settles jobs between the stale listing and the
// sweep's write, standing in for a worker whose outcome lands late.
type settleAfterList struct {
	job.Store
	settle func(stale []*job.Job)
}

func (s *settleAfterList) ListStaleRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*job.Job, error) {
	stale, err := s.Store.ListStaleRunning(ctx, now, threshold)
	if err != nil {
		return nil, err
	}
	s.settle(stale)
	return stale, nil
}

func TestMaintenance_StaleSweepLosesToWorkerOutcome(t *testing.T) {
	logger := slog.Default()
	clock := newFakeClock()
	mem := memory.New()
	mem.SetNowFunc(clock.Now)
	ctx := context.Background()

	j := job.New("org-1", job.TypeBackup, nil, job.WithMaxRetries(3))
	if err := mem.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := mem.ClaimJob(ctx, "org-1", id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	wrapped := &settleAfterList{Store: mem, settle: func(stale []*job.Job) {
		for _, sj := range stale {
			done := sj.Clone()
			now := clock.Now().UTC()
			done.Status = job.StatusCompleted
			done.CompletedAt = &now
			if err := mem.UpdateJob(ctx, done); err != nil {
				t.Errorf("settle update: %v", err)
			}
		}
	}}

	extensions := ext.NewRegistry(logger)
	tracker := &trackingExt{}
	extensions.Register(tracker)

	m := worker.NewMaintenance(wrapped, extensions, backoff.NewFixed(time.Minute), logger, keldris.DefaultConfig())
	m.SetNowFunc(clock.Now)

	clock.Advance(10 * time.Minute)

	swept, err := m.StaleSweep(ctx)
	if err != nil {
		t.Fatalf("stale sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}

	got, err := mem.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %q, want the worker's completed outcome to survive", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if tracker.retrying.Load() || tracker.deadLettered.Load() {
		t.Error("sweep emitted hooks for a job it did not settle")
	}
}
