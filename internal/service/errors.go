package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authgate/authgate-go/internal/ratelimit"
	"github.com/authgate/authgate-go/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenMissing       = errors.New("token not provided")
	ErrTokenInvalid       = errors.New("token is invalid")
	ErrTokenExpired       = errors.New("token has expired")
	ErrUserNotFound       = errors.New("user not found")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrInternal           = errors.New("internal error")
	// ErrUnreadableBody wraps a request body that could not be decoded.
	ErrUnreadableBody = errors.New("request body could not be read")
)

// RateLimitError is returned when the caller has exhausted its attempts.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterMinutes rounds RetryAfter up to whole minutes, never below one.
func (e *RateLimitError) RetryAfterMinutes() int64 {
	return (e.RetryAfterSeconds() + 59) / 60
}

// classify maps a collaborator failure onto the public taxonomy. Timeouts
// and store outages are recoverable; anything else is internal.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ratelimit.ErrStoreUnavailable),
		errors.Is(err, token.ErrStoreUnavailable):
		return ErrServiceUnavailable
	default:
		return ErrInternal
	}
}

// tokenError maps an expected token rejection onto the public taxonomy. It
// returns nil when err is a collaborator failure instead.
func tokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrMalformed):
		return ErrTokenInvalid
	default:
		return nil
	}
}
