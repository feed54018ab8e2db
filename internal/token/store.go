package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps invalidated ids in process memory. Entries are dropped
// once their token would have expired anyway.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]time.Time), now: now}
}

// MarkInvalidated records id until the given time. It reports false when id
// was already marked.
func (m *MemoryStore) MarkInvalidated(_ context.Context, id string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	if exp, ok := m.entries[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[id] = until
	return true, nil
}

// IsInvalidated reports whether id is marked.
func (m *MemoryStore) IsInvalidated(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.entries[id]
	return ok && m.now().Before(exp), nil
}

func (m *MemoryStore) prune(now time.Time) {
	for id, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, id)
		}
	}
}

const revokedPrefix = "tok:revoked:"

// RedisStore shares invalidated ids between instances. SET NX makes the
// first marking of an id win.
type RedisStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewRedisStore creates a store over the given client.
func NewRedisStore(client redis.UniversalClient, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{redis: client, now: now}
}

// MarkInvalidated sets the key for id with SET NX, expiring at until.
func (s *RedisStore) MarkInvalidated(ctx context.Context, id string, until time.Time) (bool, error) {
	ttl := until.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := s.redis.SetNX(ctx, revokedPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// IsInvalidated reports whether the key for id exists.
func (s *RedisStore) IsInvalidated(ctx context.Context, id string) (bool, error) {
	err := s.redis.Get(ctx, revokedPrefix+id).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}
