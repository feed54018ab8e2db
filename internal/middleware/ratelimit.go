package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/authgate/authgate-go/internal/ratelimit"
)

const (
	visitorIdle = 10 * time.Minute
	sweepEvery  = 512
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	now      func() time.Time
	ops      int
}

func newIPRateLimiter(perMinute int, now func() time.Time) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      now,
	}
}

// reserve takes one token for ip. It returns zero when the request may
// proceed, otherwise how long until it would have been allowed.
func (rl *ipRateLimiter) reserve(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

func (rl *ipRateLimiter) sweep(now time.Time) {
	rl.ops++
	if rl.ops%sweepEvery != 0 {
		return
	}
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(rl.visitors, ip)
		}
	}
}

// ThrottleOptions configure RateLimit.
type ThrottleOptions struct {
	PerMinute int
	// Action names the throttled route in Shared counter keys.
	Action string
	// Shared, when set, counts requests in a store every instance sees.
	// The in-process bucket is used only while Shared is failing.
	Shared ratelimit.Counter
	Logger *slog.Logger
	Now    func() time.Time
	// OnReject writes the response for a throttled request.
	OnReject func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)
}

// RateLimit returns middleware that allows PerMinute requests per client
// address. The in-process bucket refills evenly across the minute; a Shared
// counter uses a fixed one-minute window.
func RateLimit(opts ThrottleOptions) func(http.Handler) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PerMinute <= 0 {
		opts.PerMinute = 1
	}
	if opts.Action == "" {
		opts.Action = "throttle"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	local := newIPRateLimiter(opts.PerMinute, opts.Now)

	delayFor := func(r *http.Request) time.Duration {
		ip := ClientIP(r)
		if opts.Shared != nil {
			d, err := opts.Shared.Hit(r.Context(), ratelimit.Key(opts.Action, ip), opts.PerMinute, time.Minute)
			if err == nil {
				return d.RetryAfter
			}
			opts.Logger.WarnContext(r.Context(), "shared throttle unavailable, using local limit", "action", opts.Action, "error", err)
		}
		return local.reserve(ip)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if delay := delayFor(r); delay > 0 {
				if opts.OnReject != nil {
					opts.OnReject(w, r, delay)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusTooManyRequests)
					_, _ = w.Write([]byte(`{"status":"error","message":"Too many requests"}`))
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
