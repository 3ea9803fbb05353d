package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, orgID string, typ job.Type, payload json.RawMessage, opts ...job.Option) (*job.Job, error)

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, scheduleID id.ScheduleID, jobID id.JobID)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpr parses a cron expression and returns the schedule.
func ParseExpr(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires registered entries on a tick loop. Entries are held in
// memory; register them before Start.
type Scheduler struct {
	enqueue EnqueueFunc
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*scheduledEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// scheduledEntry pairs an entry with its parsed schedule.
type scheduledEntry struct {
	entry *Entry
	sched cronlib.Schedule
}

// NewScheduler creates a Scheduler. The enqueue callback must not be nil.
func NewScheduler(enqueue EnqueueFunc, emitter Emitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		enqueue:      enqueue,
		emitter:      emitter,
		logger:       logger,
		now:          time.Now,
		tickInterval: 1 * time.Second,
		entries:      make(map[string]*scheduledEntry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNowFunc overrides the scheduler's clock. Test use only.
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	s.now = fn
}

// Register adds an entry. The expression is parsed eagerly and NextRunAt
// is stamped from it unless the entry already carries one.
func (s *Scheduler) Register(entry *Entry) error {
	sched, err := ParseExpr(entry.Expr)
	if err != nil {
		return fmt.Errorf("keldris/schedule: parse %q: %w", entry.Expr, err)
	}
	if entry.ID.IsNil() {
		entry.ID = id.NewScheduleID()
	}
	if entry.NextRunAt == nil {
		next := sched.Next(s.now().UTC())
		entry.NextRunAt = &next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Name]; exists {
		return fmt.Errorf("keldris/schedule: entry %q already registered", entry.Name)
	}
	s.entries[entry.Name] = &scheduledEntry{entry: entry, sched: sched}
	return nil
}

// Enable re-arms a disabled entry, recomputing NextRunAt so a long pause
// does not trigger an immediate catch-up fire.
func (s *Scheduler) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.entries[name]
	if !ok {
		return keldris.ErrScheduleNotFound
	}
	if !se.entry.Enabled {
		se.entry.Enabled = true
		next := se.sched.Next(s.now().UTC())
		se.entry.NextRunAt = &next
	}
	return nil
}

// Disable stops an entry from firing until re-enabled.
func (s *Scheduler) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.entries[name]
	if !ok {
		return keldris.ErrScheduleNotFound
	}
	se.entry.Enabled = false
	return nil
}

// Remove deletes an entry.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return keldris.ErrScheduleNotFound
	}
	delete(s.entries, name)
	return nil
}

// Entries returns a snapshot of the registered entries.
func (s *Scheduler) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, se := range s.entries {
		cp := *se.entry
		out = append(out, &cp)
	}
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("entries", len(s.Entries())),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every enabled entry whose NextRunAt has passed. Exported so
// callers with their own loop (or tests) can drive the scheduler directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.RLock()
	due := make([]*scheduledEntry, 0, len(s.entries))
	for _, se := range s.entries {
		if !se.entry.Enabled {
			continue
		}
		if se.entry.NextRunAt == nil || se.entry.NextRunAt.After(now) {
			continue
		}
		due = append(due, se)
	}
	s.mu.RUnlock()

	for _, se := range due {
		s.fire(ctx, se, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, se *scheduledEntry, now time.Time) {
	entry := se.entry

	opts := make([]job.Option, 0, len(entry.Options)+1)
	opts = append(opts, entry.Options...)
	opts = append(opts, job.WithSchedule(entry.ID))

	j, err := s.enqueue(ctx, entry.OrgID, entry.JobType, entry.Payload, opts...)
	if err != nil {
		s.logger.Error("schedule enqueue failed",
			slog.String("schedule", entry.Name),
			slog.String("job_type", string(entry.JobType)),
			slog.String("error", err.Error()),
		)
		return
	}

	next := se.sched.Next(now)
	s.mu.Lock()
	entry.LastRunAt = &now
	entry.NextRunAt = &next
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, entry.ID, j.ID)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("org_id", entry.OrgID),
		slog.String("job_type", string(entry.JobType)),
		slog.String("job_id", j.ID.String()),
	)
}
