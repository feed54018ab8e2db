package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:"

// Fields: f = failures, p = pending. The window starts with the first touch.
const checkScript = `
local f = tonumber(redis.call("HGET", KEYS[1], "f") or "0")
local p = tonumber(redis.call("HGET", KEYS[1], "p") or "0")
local max = tonumber(ARGV[1])
if f + p >= max then
  return {0, redis.call("PTTL", KEYS[1]), 0}
end
redis.call("HINCRBY", KEYS[1], "p", 1)
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, 0, max - f - p - 1}
`

const failureScript = `
redis.call("HINCRBY", KEYS[1], "f", 1)
local p = tonumber(redis.call("HGET", KEYS[1], "p") or "0")
if p > 0 then
  redis.call("HINCRBY", KEYS[1], "p", -1)
end
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`

const releaseScript = `
local p = tonumber(redis.call("HGET", KEYS[1], "p") or "0")
if p > 0 then
  redis.call("HINCRBY", KEYS[1], "p", -1)
end
return 1
`

const hitScript = `
local f = tonumber(redis.call("HGET", KEYS[1], "f") or "0")
local p = tonumber(redis.call("HGET", KEYS[1], "p") or "0")
local max = tonumber(ARGV[1])
if f + p >= max then
  return {0, redis.call("PTTL", KEYS[1]), 0}
end
redis.call("HINCRBY", KEYS[1], "f", 1)
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, 0, max - f - p - 1}
`

var (
	hitLua     = redis.NewScript(hitScript)
	checkLua   = redis.NewScript(checkScript)
	failureLua = redis.NewScript(failureScript)
	releaseLua = redis.NewScript(releaseScript)
)

// RedisStore keeps counters in Redis so every service instance shares them.
// Each operation is one Lua script and therefore atomic.
type RedisStore struct {
	redis redis.UniversalClient
}

var (
	_ Limiter = (*RedisStore)(nil)
	_ Counter = (*RedisStore)(nil)
)

// NewRedisStore creates a store over the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

// CheckAndConsume admits one attempt for key unless failures and pending
// attempts already reach maxAttempts.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, maxAttempts int, window time.Duration) (Decision, error) {
	return s.decide(ctx, checkLua, key, maxAttempts, window)
}

// Hit counts one request for key and reports whether it fits under limit.
// Refused requests are not counted.
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	return s.decide(ctx, hitLua, key, limit, window)
}

func (s *RedisStore) decide(ctx context.Context, script *redis.Script, key string, limit int, window time.Duration) (Decision, error) {
	res, err := script.Run(ctx, s.redis, []string{keyPrefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, res)
	}

	if res[0] == 0 {
		return blocked(time.Duration(res[1])*time.Millisecond, window), nil
	}
	return Decision{Allowed: true, Remaining: int(res[2])}, nil
}

// RecordFailure turns one pending attempt for key into a failure.
func (s *RedisStore) RecordFailure(ctx context.Context, key string, window time.Duration) error {
	if err := failureLua.Run(ctx, s.redis, []string{keyPrefix + key}, window.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Clear removes the counter for key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Release drops one pending attempt for key without counting it.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseLua.Run(ctx, s.redis, []string{keyPrefix + key}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
