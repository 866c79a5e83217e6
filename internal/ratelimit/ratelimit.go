// Package ratelimit implements fixed-window request counting: the
// counter resets when the window elapses, not on a sliding interval.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wxkj99/na-quiz/internal/store"
)

// DefaultWindow is the reference window length.
const DefaultWindow = 60 * time.Second

// window is the persisted per-key state.
type window struct {
	Count int   `json:"count"`
	Start int64 `json:"start"` // window start, unix milliseconds
}

// Limiter counts requests per action key in a persistent store, so the
// budget survives restarts.
type Limiter struct {
	kv     store.KV
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter over kv with the default window.
func New(kv store.KV) *Limiter {
	return &Limiter{kv: kv, window: DefaultWindow, now: time.Now}
}

// NewWithClock creates a Limiter with an injected window and clock.
func NewWithClock(kv store.KV, windowLen time.Duration, now func() time.Time) *Limiter {
	return &Limiter{kv: kv, window: windowLen, now: now}
}

// Allow consumes one unit of budget for key and reports whether the
// call is within limit. The count increments even when the answer is
// false, so callers must not probe speculatively.
func (l *Limiter) Allow(key string, limit int) (bool, error) {
	raw, ok, err := l.kv.Get(key)
	if err != nil {
		return false, fmt.Errorf("read rate window: %w", err)
	}
	var w window
	if ok {
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			// Corrupt state starts a fresh window.
			w = window{}
		}
	}

	nowMs := l.now().UnixMilli()
	if nowMs-w.Start > l.window.Milliseconds() {
		w.Count = 0
		w.Start = nowMs
	}
	w.Count++

	data, err := json.Marshal(w)
	if err != nil {
		return false, fmt.Errorf("encode rate window: %w", err)
	}
	if err := l.kv.Set(key, string(data)); err != nil {
		return false, fmt.Errorf("write rate window: %w", err)
	}
	return w.Count <= limit, nil
}

// MemoryLimiter is the proxy's in-process per-caller counterpart. It
// keeps no persisted state and prunes expired entries as it goes.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]*window
	window time.Duration
	now    func() time.Time
}

// NewMemory creates an in-memory fixed-window limiter.
func NewMemory(windowLen time.Duration) *MemoryLimiter {
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	return &MemoryLimiter{
		counts: make(map[string]*window),
		window: windowLen,
		now:    time.Now,
	}
}

// SetClock replaces the limiter's clock. Tests only.
func (m *MemoryLimiter) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Allow consumes one unit of budget for the caller key.
func (m *MemoryLimiter) Allow(key string, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	w := m.counts[key]
	if w == nil {
		w = &window{Start: nowMs}
		m.counts[key] = w
	}
	if nowMs-w.Start > m.window.Milliseconds() {
		w.Count = 0
		w.Start = nowMs
	}
	w.Count++

	m.prune(nowMs)
	return w.Count <= limit
}

func (m *MemoryLimiter) prune(nowMs int64) {
	for k, w := range m.counts {
		if nowMs-w.Start > 2*m.window.Milliseconds() {
			delete(m.counts, k)
		}
	}
}
