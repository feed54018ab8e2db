package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failureCounter interface {
	Limiter
	Counter
	failures(ctx context.Context, key string) (int, error)
}

type fixture struct {
	limiter failureCounter
	advance func(time.Duration)
}

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

func fixtures(t *testing.T) map[string]func(t *testing.T) fixture {
	t.Helper()
	return map[string]func(t *testing.T) fixture{
		"memory": func(t *testing.T) fixture {
			clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
			return fixture{limiter: NewMemoryStore(clock.Now), advance: clock.Advance}
		},
		"redis": func(t *testing.T) fixture {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return fixture{limiter: NewRedisStore(rdb), advance: mr.FastForward}
		},
	}
}

const (
	testMax    = 5
	testWindow = 15 * time.Minute
)

func failAttempt(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	ctx := context.Background()
	d, err := l.CheckAndConsume(ctx, key, testMax, testWindow)
	require.NoError(t, err)
	if d.Allowed {
		require.NoError(t, l.RecordFailure(ctx, key, testWindow))
	}
	return d
}

func TestLimiter_BlocksAfterMaxFailures(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			key := Key("login", "10.0.0.1")

			for i := 0; i < testMax; i++ {
				d := failAttempt(t, f.limiter, key)
				assert.True(t, d.Allowed, "attempt %d should be allowed", i+1)
			}

			d, err := f.limiter.CheckAndConsume(context.Background(), key, testMax, testWindow)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Greater(t, d.RetryAfter, time.Duration(0))
			assert.LessOrEqual(t, d.RetryAfter, testWindow)

			n, err := f.limiter.failures(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, testMax, n, "a blocked check must not change the count")
		})
	}
}

func TestLimiter_WindowExpiryResets(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			key := Key("login", "10.0.0.2")

			for i := 0; i < testMax; i++ {
				failAttempt(t, f.limiter, key)
			}
			f.advance(testWindow + time.Second)

			d, err := f.limiter.CheckAndConsume(context.Background(), key, testMax, testWindow)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, testMax-1, d.Remaining)

			n, err := f.limiter.failures(context.Background(), key)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLimiter_ClearRemovesCounter(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			ctx := context.Background()
			key := Key("login", "10.0.0.3")

			for i := 0; i < testMax-1; i++ {
				failAttempt(t, f.limiter, key)
			}
			require.NoError(t, f.limiter.Clear(ctx, key))

			n, err := f.limiter.failures(ctx, key)
			require.NoError(t, err)
			assert.Zero(t, n)

			for i := 0; i < testMax; i++ {
				d := failAttempt(t, f.limiter, key)
				assert.True(t, d.Allowed)
			}
		})
	}
}

func TestLimiter_ReleaseFreesPendingSlot(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			ctx := context.Background()
			key := Key("login", "10.0.0.4")

			for i := 0; i < testMax; i++ {
				d, err := f.limiter.CheckAndConsume(ctx, key, testMax, testWindow)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			d, err := f.limiter.CheckAndConsume(ctx, key, testMax, testWindow)
			require.NoError(t, err)
			assert.False(t, d.Allowed, "all slots pending")

			require.NoError(t, f.limiter.Release(ctx, key))
			d, err = f.limiter.CheckAndConsume(ctx, key, testMax, testWindow)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			n, err := f.limiter.failures(ctx, key)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)

			for i := 0; i < testMax; i++ {
				failAttempt(t, f.limiter, Key("login", "a"))
			}

			d := failAttempt(t, f.limiter, Key("login", "b"))
			assert.True(t, d.Allowed)
			d = failAttempt(t, f.limiter, Key("register", "a"))
			assert.True(t, d.Allowed)
		})
	}
}

func TestLimiter_ConcurrentChecksAdmitAtMostMax(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			key := Key("login", "10.0.0.9")

			const workers = 32
			start := make(chan struct{})
			var wg sync.WaitGroup
			var admitted atomic.Int32

			wg.Add(workers)
			for i := 0; i < workers; i++ {
				go func() {
					defer wg.Done()
					<-start
					d, err := f.limiter.CheckAndConsume(context.Background(), key, testMax, testWindow)
					if err != nil {
						t.Errorf("CheckAndConsume() unexpected error: %v", err)
						return
					}
					if d.Allowed {
						admitted.Add(1)
					}
				}()
			}

			close(start)
			wg.Wait()

			assert.Equal(t, int32(testMax), admitted.Load())
		})
	}
}

func TestCounter_HitCountsEveryRequest(t *testing.T) {
	for name, build := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := build(t)
			ctx := context.Background()
			key := Key("register", "10.0.0.10")

			for i := 0; i < 3; i++ {
				d, err := f.limiter.Hit(ctx, key, 3, time.Minute)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d should be allowed", i+1)
				assert.Equal(t, 2-i, d.Remaining)
			}

			d, err := f.limiter.Hit(ctx, key, 3, time.Minute)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Greater(t, d.RetryAfter, time.Duration(0))
			assert.LessOrEqual(t, d.RetryAfter, time.Minute)

			n, err := f.limiter.failures(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 3, n, "a refused hit must not be counted")

			f.advance(time.Minute + time.Second)
			d, err = f.limiter.Hit(ctx, key, 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStore(rdb)
	mr.Close()

	_, err := store.CheckAndConsume(context.Background(), "k", 1, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, store.RecordFailure(context.Background(), "k", time.Minute), ErrStoreUnavailable)
	assert.ErrorIs(t, store.Clear(context.Background(), "k"), ErrStoreUnavailable)
	assert.ErrorIs(t, store.Release(context.Background(), "k"), ErrStoreUnavailable)
	_, err = store.Hit(context.Background(), "k", 1, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "login|127.0.0.1", Key("login", "127.0.0.1"))
}
