package tracker

import (
	"strings"
	"sync"
	"time"
)

// DefaultSession is used when a caller does not name a session.
const DefaultSession = "default"

const (
	DefaultIdleTTL     = 30 * time.Minute
	DefaultMaxSessions = 1000
)

// Limits bounds how many named sessions a registry keeps. Zero fields use
// the package defaults. The default session is never evicted.
type Limits struct {
	IdleTTL     time.Duration
	MaxSessions int
}

type session struct {
	tracker  *Tracker
	lastUsed time.Time
}

// Registry hands out one Tracker per session id. Sessions are independent:
// each is guarded by its own lock, the registry lock only covers the map.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*session
	capacity     int
	stableFrames int
	limits       Limits
	now          func() time.Time
}

func NewRegistry(capacity, stableFrames int) *Registry {
	return NewBoundedRegistry(capacity, stableFrames, Limits{})
}

func NewBoundedRegistry(capacity, stableFrames int, limits Limits) *Registry {
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = DefaultIdleTTL
	}
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = DefaultMaxSessions
	}
	return &Registry{
		sessions:     make(map[string]*session),
		capacity:     capacity,
		stableFrames: stableFrames,
		limits:       limits,
		now:          time.Now,
	}
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSession
	}
	return id
}

// Get returns the tracker for id, creating it on first use. Creating a named
// session beyond MaxSessions evicts the least recently used one.
func (r *Registry) Get(id string) *Tracker {
	id = normalizeID(id)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		if id != DefaultSession {
			for r.namedLocked() >= r.limits.MaxSessions {
				r.evictOldestLocked()
			}
		}
		s = &session{tracker: New(r.capacity, r.stableFrames)}
		r.sessions[id] = s
	}
	s.lastUsed = now
	return s.tracker
}

// Lookup returns the tracker for id without creating one or marking it used.
func (r *Registry) Lookup(id string) (*Tracker, bool) {
	id = normalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.tracker, true
}

// Reset clears the history of id. Resetting an unknown session is a no-op.
func (r *Registry) Reset(id string) {
	t, ok := r.Lookup(id)
	if ok {
		t.Reset()
	}
}

// Remove drops a session entirely, e.g. when its socket disconnects.
func (r *Registry) Remove(id string) {
	id = normalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// EvictIdle drops named sessions unused for longer than IdleTTL and returns
// how many were removed.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.limits.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if id == DefaultSession || !s.lastUsed.Before(cutoff) {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	return evicted
}

func (r *Registry) namedLocked() int {
	n := len(r.sessions)
	if _, ok := r.sessions[DefaultSession]; ok {
		n--
	}
	return n
}

func (r *Registry) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, s := range r.sessions {
		if id == DefaultSession {
			continue
		}
		if oldestID == "" || s.lastUsed.Before(oldest) {
			oldestID, oldest = id, s.lastUsed
		}
	}
	delete(r.sessions, oldestID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StableFrames is the occurrence count at which a primary detection is stable.
func (r *Registry) StableFrames() int {
	if r.stableFrames <= 0 {
		return DefaultStableFrames
	}
	return r.stableFrames
}
