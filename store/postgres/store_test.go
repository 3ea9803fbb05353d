//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
	"github.com/MacJediWizard/keldris-sub016/store/postgres"
)

// setupTestStore creates a Postgres container and returns a connected Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("keldris_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

func TestJobStore_EnqueueAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	in := job.New("org-1", job.TypeBackup, json.RawMessage(`{"path":"/srv/data"}`),
		job.WithPriority(5), job.WithMaxRetries(3))
	if err := s.EnqueueJob(ctx, in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.GetJob(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrgID != "org-1" || got.Type != job.TypeBackup || got.Priority != 5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != job.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if string(got.Payload) != `{"path":"/srv/data"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if err := s.EnqueueJob(ctx, in); !errors.Is(err, keldris.ErrJobAlreadyExists) {
		t.Errorf("duplicate enqueue err = %v, want ErrJobAlreadyExists", err)
	}
}

func TestJobStore_ClaimOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j1 := job.New("org-1", job.TypeBackup, nil, job.WithPriority(5))
	j2 := job.New("org-1", job.TypeBackup, nil, job.WithPriority(10))
	j3 := job.New("org-1", job.TypeBackup, nil, job.WithPriority(5))
	for _, j := range []*job.Job{j1, j2, j3} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		// created_at must strictly increase to make FIFO deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	want := []id.JobID{j2.ID, j1.ID, j3.ID}
	for i, wantID := range want {
		got, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if got.ID.String() != wantID.String() {
			t.Errorf("claim %d = %s, want %s", i, got.ID, wantID)
		}
		if got.Status != job.StatusRunning || got.StartedAt == nil {
			t.Errorf("claim %d not marked running: %+v", i, got)
		}
	}

	got, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("claim on drained queue: %v", err)
	}
	if got != nil {
		t.Errorf("claim on drained queue = %+v, want nil", got)
	}
}

func TestJobStore_ClaimConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const (
		jobs     = 4
		claimers = 12
	)
	for range jobs {
		if err := s.EnqueueJob(ctx, job.New("org-1", job.TypeBackup, nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]bool)
		misses  int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if j == nil {
				misses++
				return
			}
			if claimed[j.ID.String()] {
				t.Errorf("job %s claimed twice", j.ID)
			}
			claimed[j.ID.String()] = true
		}()
	}
	wg.Wait()

	if len(claimed) != jobs || misses != claimers-jobs {
		t.Errorf("claims = %d misses = %d, want %d/%d", len(claimed), misses, jobs, claimers-jobs)
	}
}

func TestJobStore_RequeueAndRetryListing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("org-1", job.TypeVerification, nil)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	claimed.Status = job.StatusFailed
	claimed.RetryCount = 1
	claimed.NextRetryAt = &past
	claimed.ErrorMessage = "checksum mismatch"
	if err := s.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}

	ready, err := s.ListRetryReady(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list retry ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID.String() != j.ID.String() {
		t.Fatalf("ready = %+v, want the failed job", ready)
	}

	if err := s.RequeueJob(ctx, j.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := s.RequeueJob(ctx, j.ID); !errors.Is(err, keldris.ErrInvalidStatus) {
		t.Errorf("double requeue err = %v, want ErrInvalidStatus", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusPending || got.NextRetryAt != nil || got.StartedAt != nil {
		t.Errorf("requeued job state: %+v", got)
	}
	if got.RetryCount != 1 || got.ErrorMessage != "checksum mismatch" {
		t.Error("requeue must keep retry count and last error")
	}
}

func TestJobStore_Cancel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	prior, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prior != job.StatusPending {
		t.Errorf("prior = %s, want pending", prior)
	}

	if _, err := s.CancelJob(ctx, j.ID); !errors.Is(err, keldris.ErrJobTerminal) {
		t.Errorf("cancel canceled err = %v, want ErrJobTerminal", err)
	}
	if _, err := s.CancelJob(ctx, id.NewJobID()); !errors.Is(err, keldris.ErrJobNotFound) {
		t.Errorf("cancel missing err = %v, want ErrJobNotFound", err)
	}
}

func TestJobStore_DegradedPayload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j.Payload = json.RawMessage(`{"broken`)
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get must not fail on a bad payload: %v", err)
	}
	if !got.PayloadDegraded || len(got.Payload) != 0 {
		t.Errorf("degraded read = %+v", got)
	}
}

func TestJobStore_PurgeTerminalIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	j := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j.Status = job.StatusCompleted
	j.CompletedAt = &old
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	pending := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, pending); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	removed, err := s.PurgeTerminal(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	removed, err = s.PurgeTerminal(ctx, cutoff)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if removed != 0 {
		t.Errorf("second purge removed = %d, want 0", removed)
	}

	if _, err := s.GetJob(ctx, pending.ID); err != nil {
		t.Error("non-terminal job was purged")
	}
}

func TestJobStore_Summary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for range 2 {
		if err := s.EnqueueJob(ctx, job.New("org-1", job.TypeBackup, nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	running := job.New("org-1", job.TypeDRTest, nil, job.WithPriority(99))
	if err := s.EnqueueJob(ctx, running); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	completed := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, completed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	started := now.Add(-10 * time.Minute)
	done := now.Add(-5 * time.Minute)
	completed.Status = job.StatusCompleted
	completed.StartedAt = &started
	completed.CompletedAt = &done
	if err := s.UpdateJob(ctx, completed); err != nil {
		t.Fatalf("update: %v", err)
	}

	dead := job.New("org-1", job.TypeBackup, nil)
	if err := s.EnqueueJob(ctx, dead); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dead.Status = job.StatusDeadLetter
	dead.CompletedAt = &done
	if err := s.UpdateJob(ctx, dead); err != nil {
		t.Fatalf("update: %v", err)
	}

	sum, err := s.Summary(ctx, "org-1", now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Pending != 2 || sum.Running != 1 || sum.Completed != 1 || sum.DeadLetter != 1 {
		t.Errorf("counts = %d/%d/%d/%d, want 2/1/1/1",
			sum.Pending, sum.Running, sum.Completed, sum.DeadLetter)
	}
	if sum.OldestPending == nil {
		t.Error("OldestPending = nil, want min pending created_at")
	}
	if sum.PendingByType[job.TypeBackup] != 2 {
		t.Errorf("PendingByType = %v", sum.PendingByType)
	}
	if sum.AvgWait <= 0 {
		t.Errorf("AvgWait = %v, want > 0", sum.AvgWait)
	}
}

func TestJobStore_ListJobsClaimOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lowFirst := job.New("org-1", job.TypeBackup, nil, job.WithPriority(5))
	if err := s.EnqueueJob(ctx, lowFirst); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	high := job.New("org-1", job.TypeBackup, nil, job.WithPriority(10))
	if err := s.EnqueueJob(ctx, high); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lowSecond := job.New("org-1", job.TypeBackup, nil, job.WithPriority(5))
	if err := s.EnqueueJob(ctx, lowSecond); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.ListJobs(ctx, "org-1", job.ListOpts{Status: job.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []*job.Job{high, lowFirst, lowSecond}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i].ID.String() {
			t.Errorf("order[%d] = %s (prio %d), want %s (prio %d)",
				i, got[i].ID, got[i].Priority, want[i].ID, want[i].Priority)
		}
	}
}

func TestJobStore_ReapStaleJobGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, job.New("org-1", job.TypeBackup, nil)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimJob(ctx, "org-1", id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	now := time.Now().UTC()
	done := claimed.Clone()
	done.Status = job.StatusCompleted
	done.CompletedAt = &now
	if err := s.UpdateJob(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	swept := claimed.Clone()
	swept.Status = job.StatusFailed
	swept.RetryCount++
	swept.WorkerID = id.Nil
	swept.StartedAt = nil
	swept.HeartbeatAt = nil
	if err := s.ReapStaleJob(ctx, swept, claimed.WorkerID); !errors.Is(err, keldris.ErrInvalidStatus) {
		t.Fatalf("reap = %v, want ErrInvalidStatus", err)
	}

	got, err := s.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed to survive the reap", got.Status)
	}

	if err := s.EnqueueJob(ctx, job.New("org-2", job.TypeBackup, nil)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stale, err := s.ClaimJob(ctx, "org-2", id.NewWorkerID())
	if err != nil || stale == nil {
		t.Fatalf("claim: %v", err)
	}
	settled := stale.Clone()
	settled.Status = job.StatusFailed
	settled.RetryCount++
	settled.WorkerID = id.Nil
	settled.StartedAt = nil
	settled.HeartbeatAt = nil
	settled.NextRetryAt = &now
	if err := s.ReapStaleJob(ctx, settled, stale.WorkerID); err != nil {
		t.Fatalf("reap running job: %v", err)
	}
	got, err = s.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}
