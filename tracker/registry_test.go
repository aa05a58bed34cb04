package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedRegistry(limits Limits) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	reg := NewBoundedRegistry(45, 5, limits)
	reg.now = clock.Now
	return reg, clock
}

func TestRegistryEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	reg, clock := newClockedRegistry(Limits{IdleTTL: 30 * time.Minute})
	reg.Get("").Update(frame(1))
	reg.Get("phone-a").Update(frame(1))
	reg.Get("phone-b").Update(frame(2))

	clock.Advance(20 * time.Minute)
	reg.Get("phone-a").Update(frame(1))
	clock.Advance(15 * time.Minute)

	if got := reg.EvictIdle(); got != 1 {
		t.Fatalf("expected 1 idle session evicted, got %d", got)
	}
	if _, ok := reg.Lookup("phone-b"); ok {
		t.Fatalf("phone-b idle for 35m should be evicted")
	}
	if _, ok := reg.Lookup("phone-a"); !ok {
		t.Fatalf("phone-a used 15m ago should be kept")
	}
	if _, ok := reg.Lookup(DefaultSession); !ok {
		t.Fatalf("default session must never be evicted")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 sessions left, got %d", reg.Len())
	}
}

func TestRegistryLookupDoesNotRefreshSession(t *testing.T) {
	t.Parallel()

	reg, clock := newClockedRegistry(Limits{IdleTTL: time.Minute})
	reg.Get("phone-a")
	clock.Advance(2 * time.Minute)
	reg.Lookup("phone-a")
	reg.Reset("phone-a")

	if got := reg.EvictIdle(); got != 1 {
		t.Fatalf("status reads must not keep a session alive, evicted %d", got)
	}
}

func TestRegistryCapsDistinctSessions(t *testing.T) {
	t.Parallel()

	reg, clock := newClockedRegistry(Limits{MaxSessions: 8})
	reg.Get(DefaultSession).Update(frame(1))

	for i := 0; i < 10000; i++ {
		clock.Advance(time.Millisecond)
		reg.Get(fmt.Sprintf("client-%d", i)).Update(frame(i % 3))
	}

	if got := reg.Len(); got != 9 {
		t.Fatalf("expected 8 named sessions plus default, got %d", got)
	}
	if _, ok := reg.Lookup(DefaultSession); !ok {
		t.Fatalf("default session must survive the cap")
	}
	if _, ok := reg.Lookup("client-9999"); !ok {
		t.Fatalf("newest session must be kept")
	}
	if _, ok := reg.Lookup("client-0"); ok {
		t.Fatalf("oldest session should have been evicted")
	}
}
