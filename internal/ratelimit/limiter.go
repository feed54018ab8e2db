// Package ratelimit tracks attempts per (action, identity) key inside a
// fixed window.
//
// A key holds two counts: failures, and pending attempts that were admitted
// by CheckAndConsume but not yet resolved. Admission is refused while
// failures+pending reaches the limit, so parallel requests cannot all slip
// past a count observed before any of them finished. Every admitted attempt
// ends in RecordFailure (pending becomes a failure), Clear (the key is
// removed after a successful authentication) or Release (the attempt was
// not decided, e.g. a backend outage). Hit counts a request outright for
// throttles that do not care about the outcome.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Decision is the result of CheckAndConsume or Hit. Remaining is how many
// more attempts the key admits in the current window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter is the contract the auth flows depend on.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, maxAttempts int, window time.Duration) (Decision, error)
	RecordFailure(ctx context.Context, key string, window time.Duration) error
	Clear(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// Counter counts plain requests per key, for throttles that do not
// distinguish success from failure.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Key scopes a counter to one action and one caller.
func Key(action, identity string) string {
	return action + "|" + identity
}

func blocked(retry, window time.Duration) Decision {
	if retry <= 0 {
		retry = window
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}
}
