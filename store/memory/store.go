// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing and development; claim atomicity is
// provided by a single mutex instead of row locking.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// Ensure Store implements the job contract at compile time.
// We can't import store here (import cycle), so we verify the subsystem.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job

	// now is the clock; tests override it to drive retry and retention
	// windows deterministically.
	now func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the store's clock. Test use only.
func (m *Store) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return keldris.ErrJobAlreadyExists
	}

	cp := j.Clone()
	if cp.Status == "" {
		cp.Status = job.StatusPending
	}
	now := m.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[key] = cp

	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

// GetJob retrieves a job by ID. An undecodable payload degrades the
// returned copy instead of failing the read.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, keldris.ErrJobNotFound
	}
	cp := j.Clone()
	cp.DegradePayload()
	return cp, nil
}

// ClaimJob atomically claims the org's best pending job: highest
// priority first, oldest enqueue time breaking ties. Returns (nil, nil)
// when nothing is claimable.
func (m *Store) ClaimJob(_ context.Context, orgID string, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusPending || j.OrgID != orgID {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	now := m.now()
	best.Status = job.StatusRunning
	best.WorkerID = workerID
	start := now
	best.StartedAt = &start
	hb := now
	best.HeartbeatAt = &hb
	best.UpdatedAt = now

	cp := best.Clone()
	cp.DegradePayload()
	return cp, nil
}

// claimBefore reports whether a should be claimed ahead of b.
func claimBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListJobs returns the org's jobs matching opts in claim order,
// priority descending then CreatedAt ascending. Running jobs sort by
// StartedAt descending instead.
func (m *Store) ListJobs(_ context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.OrgID != orgID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		cp := j.Clone()
		cp.DegradePayload()
		result = append(result, cp)
	}

	if opts.Status == job.StatusRunning {
		sort.Slice(result, func(i, k int) bool {
			return timeDesc(result[i].StartedAt, result[k].StartedAt)
		})
	} else {
		sort.Slice(result, func(i, k int) bool {
			return claimBefore(result[i], result[k])
		})
	}

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func timeDesc(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// ListRetryReady returns failed jobs across all orgs whose NextRetryAt
// is unset or has elapsed, ordered priority descending then NextRetryAt
// ascending with nulls first.
func (m *Store) ListRetryReady(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != job.StatusFailed {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		if result[i].Priority != result[k].Priority {
			return result[i].Priority > result[k].Priority
		}
		a, b := result[i].NextRetryAt, result[k].NextRetryAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RequeueJob moves a failed job back to pending. A job that is no
// longer failed (a concurrent sweep won the race, or it was canceled)
// is rejected with ErrInvalidStatus, which makes double-requeue safe.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return keldris.ErrJobNotFound
	}
	if j.Status != job.StatusFailed {
		return keldris.ErrInvalidStatus
	}

	j.Status = job.StatusPending
	j.NextRetryAt = nil
	j.WorkerID = id.WorkerID{}
	j.StartedAt = nil
	j.HeartbeatAt = nil
	// RetryCount, ErrorMessage and LastErrorAt survive for diagnosis.
	j.UpdatedAt = m.now()
	return nil
}

// CancelJob cancels a pending or running job and returns the status it
// held before cancellation.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return "", keldris.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return "", keldris.ErrJobTerminal
	}
	if !job.CanTransition(j.Status, job.StatusCanceled) {
		return "", keldris.ErrInvalidStatus
	}

	prior := j.Status
	now := m.now()
	j.Status = job.StatusCanceled
	done := now
	j.CompletedAt = &done
	j.UpdatedAt = now
	return prior, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return keldris.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = m.now()
	m.jobs[key] = cp
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return keldris.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// HeartbeatJob stamps the heartbeat of a running job owned by workerID.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return keldris.ErrJobNotFound
	}
	if j.Status != job.StatusRunning || j.WorkerID.String() != workerID.String() {
		return keldris.ErrInvalidStatus
	}
	hb := m.now()
	j.HeartbeatAt = &hb
	j.UpdatedAt = hb
	return nil
}

// ListStaleRunning returns running jobs whose heartbeat (or start time,
// if no heartbeat was ever recorded) is older than threshold.
func (m *Store) ListStaleRunning(_ context.Context, now time.Time, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-threshold)
	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		last := j.HeartbeatAt
		if last == nil {
			last = j.StartedAt
		}
		if last != nil && last.Before(cutoff) {
			result = append(result, j.Clone())
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ReapStaleJob settles a stale running job only while it is still
// running and owned by expectedWorker.
func (m *Store) ReapStaleJob(_ context.Context, j *job.Job, expectedWorker id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	current, ok := m.jobs[key]
	if !ok {
		return keldris.ErrJobNotFound
	}
	if current.Status != job.StatusRunning || current.WorkerID.String() != expectedWorker.String() {
		return keldris.ErrInvalidStatus
	}

	cp := j.Clone()
	cp.UpdatedAt = m.now()
	m.jobs[key] = cp
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

// PurgeTerminal deletes terminal jobs settled before the cutoff and
// returns the count removed. Idempotent: an immediate second call with
// the same cutoff removes nothing.
func (m *Store) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.jobs, key)
		removed++
	}
	return removed, nil
}

// Summary computes the org's queue snapshot.
func (m *Store) Summary(_ context.Context, orgID string, now time.Time) (*job.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &job.Summary{
		OrgID:         orgID,
		PendingByType: make(map[job.Type]int64),
	}
	windowStart := now.Add(-job.SummaryWaitWindow)

	var (
		waitTotal time.Duration
		waitCount int64
	)
	for _, j := range m.jobs {
		if j.OrgID != orgID {
			continue
		}
		switch j.Status {
		case job.StatusPending:
			s.Pending++
			s.PendingByType[j.Type]++
			if s.OldestPending == nil || j.CreatedAt.Before(*s.OldestPending) {
				created := j.CreatedAt
				s.OldestPending = &created
			}
		case job.StatusRunning:
			s.Running++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		case job.StatusDeadLetter:
			s.DeadLetter++
		case job.StatusCanceled:
			s.Canceled++
		}

		if j.Status == job.StatusCompleted &&
			j.CompletedAt != nil && j.CompletedAt.After(windowStart) &&
			j.StartedAt != nil {
			waitTotal += j.StartedAt.Sub(j.CreatedAt)
			waitCount++
		}
	}
	if waitCount > 0 {
		s.AvgWait = waitTotal / time.Duration(waitCount)
	}
	return s, nil
}
