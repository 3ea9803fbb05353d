package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limits bounds how fast and how wide one org's jobs may be claimed.
type Limits struct {
	// OrgID identifies the org. Empty in DefaultLimits.
	OrgID string

	// RateLimit is the maximum sustained claims per second for the
	// org. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token bucket. Defaults to 1
	// when RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxConcurrency limits how many of the org's jobs may run
	// simultaneously in the local pool. Zero means no gate.
	MaxConcurrency int
}

// orgState tracks runtime state for a single org.
type orgState struct {
	limits  Limits
	limiter *rate.Limiter
	active  int
}

func newOrgState(l Limits) *orgState {
	st := &orgState{limits: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return st
}

// Manager admits or defers claim attempts per org. Safe for concurrent
// use.
type Manager struct {
	mu       sync.Mutex
	orgs     map[string]*orgState
	defaults *Limits
}

// NewManager creates a Manager with the given per-org limits. Orgs not
// listed are unlimited unless SetDefaultLimits is called.
func NewManager(limits ...Limits) *Manager {
	m := &Manager{orgs: make(map[string]*orgState, len(limits))}
	for _, l := range limits {
		m.orgs[l.OrgID] = newOrgState(l)
	}
	return m
}

// SetDefaultLimits applies limits to every org that has no explicit
// entry. Each such org gets its own limiter and gate lazily.
func (m *Manager) SetDefaultLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.OrgID = ""
	m.defaults = &l
}

// SetLimits updates (or creates) one org's limits, preserving its
// current active count.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newOrgState(l)
	if existing := m.orgs[l.OrgID]; existing != nil {
		st.active = existing.active
	}
	m.orgs[l.OrgID] = st
}

// Acquire reports whether one claim for orgID may proceed now. A true
// result increments the org's active count; the caller MUST call
// Release once the job settles.
func (m *Manager) Acquire(orgID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.orgs[orgID]
	if st == nil {
		if m.defaults == nil {
			return true
		}
		st = newOrgState(*m.defaults)
		m.orgs[orgID] = st
	}

	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	if st.limits.MaxConcurrency > 0 && st.active >= st.limits.MaxConcurrency {
		return false
	}
	st.active++
	return true
}

// Release returns one admission for orgID.
func (m *Manager) Release(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.orgs[orgID]; st != nil && st.active > 0 {
		st.active--
	}
}

// ActiveCount returns the org's in-flight job count.
func (m *Manager) ActiveCount(orgID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.orgs[orgID]; st != nil {
		return st.active
	}
	return 0
}
