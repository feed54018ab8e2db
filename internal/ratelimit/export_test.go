package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func (m *MemoryStore) failures(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.live(key, m.now())
	if c == nil {
		return 0, nil
	}
	return c.failures, nil
}

func (s *RedisStore) failures(ctx context.Context, key string) (int, error) {
	n, err := s.redis.HGet(ctx, keyPrefix+key, "f").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}
