package ratelimit

import (
	"testing"
	"time"

	"github.com/wxkj99/na-quiz/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := newFakeClock()
	return NewWithClock(s, DefaultWindow, clock.now), clock, s
}

func TestAllowWithinLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for i := 1; i <= 5; i++ {
		ok, err := l.Allow("naq:rate:grade", 5)
		if err != nil {
			t.Fatalf("Allow call %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("call %d should be allowed", i)
		}
	}

	// The 6th call within the window is rejected.
	ok, err := l.Allow("naq:rate:grade", 5)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("6th call within window should be rejected")
	}
}

func TestWindowReset(t *testing.T) {
	l, clock, _ := newTestLimiter(t)

	for i := 0; i < 6; i++ {
		if _, err := l.Allow("k", 5); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	// 61 time units after the first call the window resets and the
	// count restarts at 1.
	clock.advance(61 * time.Second)
	ok, err := l.Allow("k", 5)
	if err != nil {
		t.Fatalf("Allow after window: %v", err)
	}
	if !ok {
		t.Error("call after window should be allowed")
	}
	ok, _ = l.Allow("k", 1)
	if ok {
		t.Error("expected count 2 in fresh window with limit 1")
	}
}

func TestDeniedCallsStillConsume(t *testing.T) {
	l, clock, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		if _, err := l.Allow("k", 2); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	// Denied calls incremented the count; before the window turns over
	// nothing is allowed.
	ok, _ := l.Allow("k", 2)
	if ok {
		t.Error("expected rejection, denied calls still consume budget")
	}

	clock.advance(DefaultWindow + time.Millisecond)
	ok, _ = l.Allow("k", 2)
	if !ok {
		t.Error("expected fresh window to allow")
	}
}

func TestStatePersistsAcrossLimiters(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	clock := newFakeClock()

	l1 := NewWithClock(s, DefaultWindow, clock.now)
	for i := 0; i < 5; i++ {
		if _, err := l1.Allow("k", 5); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	// A new limiter over the same store sees the consumed budget, as a
	// page reload would.
	l2 := NewWithClock(s, DefaultWindow, clock.now)
	ok, err := l2.Allow("k", 5)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("expected budget consumed by previous limiter to persist")
	}
}

func TestIndependentKeys(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		if _, err := l.Allow("naq:rate:grade", 5); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	ok, _ := l.Allow("naq:rate:grade", 5)
	if ok {
		t.Error("grade budget should be exhausted")
	}
	ok, err := l.Allow("naq:rate:test", 5)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !ok {
		t.Error("test budget should be independent of grade budget")
	}
}

func TestMemoryLimiter(t *testing.T) {
	m := NewMemory(DefaultWindow)
	clock := newFakeClock()
	m.SetClock(clock.now)

	for i := 1; i <= 20; i++ {
		if !m.Allow("1.2.3.4", 20) {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if m.Allow("1.2.3.4", 20) {
		t.Error("21st call should be rejected")
	}
	if !m.Allow("5.6.7.8", 20) {
		t.Error("other caller should have its own window")
	}

	clock.advance(DefaultWindow + time.Millisecond)
	if !m.Allow("1.2.3.4", 20) {
		t.Error("expired window should reset")
	}
}
