package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 256

type counter struct {
	failures  int
	pending   int
	expiresAt time.Time
}

// MemoryStore keeps counters in process memory. It is only correct for a
// single service instance.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
	ops      int
}

var (
	_ Limiter = (*MemoryStore)(nil)
	_ Counter = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		counters: make(map[string]*counter),
		now:      now,
	}
}

// CheckAndConsume admits one attempt for key unless failures and pending
// attempts already reach maxAttempts.
func (m *MemoryStore) CheckAndConsume(_ context.Context, key string, maxAttempts int, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)

	c := m.live(key, now)
	if c == nil {
		c = &counter{expiresAt: now.Add(window)}
		m.counters[key] = c
	}

	if c.failures+c.pending >= maxAttempts {
		return blocked(c.expiresAt.Sub(now), window), nil
	}

	c.pending++
	return Decision{Allowed: true, Remaining: maxAttempts - c.failures - c.pending}, nil
}

// RecordFailure turns one pending attempt for key into a failure.
func (m *MemoryStore) RecordFailure(_ context.Context, key string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c := m.live(key, now)
	if c == nil {
		c = &counter{expiresAt: now.Add(window)}
		m.counters[key] = c
	}

	c.failures++
	if c.pending > 0 {
		c.pending--
	}
	return nil
}

// Clear removes the counter for key.
func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

// Release drops one pending attempt for key without counting it.
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.live(key, m.now()); c != nil && c.pending > 0 {
		c.pending--
	}
	return nil
}

// Hit counts one request for key and reports whether it fits under limit.
// Refused requests are not counted.
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)

	c := m.live(key, now)
	if c == nil {
		c = &counter{expiresAt: now.Add(window)}
		m.counters[key] = c
	}

	if c.failures+c.pending >= limit {
		return blocked(c.expiresAt.Sub(now), window), nil
	}

	c.failures++
	return Decision{Allowed: true, Remaining: limit - c.failures - c.pending}, nil
}

// live returns the counter for key, dropping it if its window has elapsed.
func (m *MemoryStore) live(key string, now time.Time) *counter {
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expiresAt) {
		delete(m.counters, key)
		return nil
	}
	return c
}

func (m *MemoryStore) maybeSweep(now time.Time) {
	m.ops++
	if m.ops%sweepEvery != 0 {
		return
	}
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
		}
	}
}
