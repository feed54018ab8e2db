// Package token issues, verifies, refreshes and invalidates bearer tokens.
//
// A token is Issued until it expires (ErrExpired) or is invalidated by
// logout or refresh (ErrInvalid). Both are terminal. Invalidation is
// recorded by token id in a Store until the token would have expired on
// its own.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authgate/authgate-go/internal/crypto"
)

const TypeBearer = "bearer"

var (
	ErrMalformed        = errors.New("token malformed")
	ErrInvalid          = errors.New("token invalid")
	ErrExpired          = errors.New("token expired")
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Store records invalidated token ids.
type Store interface {
	// MarkInvalidated records id until the given instant and reports whether
	// this call was the one that recorded it.
	MarkInvalidated(ctx context.Context, id string, until time.Time) (bool, error)
	IsInvalidated(ctx context.Context, id string) (bool, error)
}

// Token is an issued bearer token.
type Token struct {
	Value     string
	Type      string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims are the verified contents of a token.
type Claims struct {
	ID        string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service manages the token lifecycle.
type Service struct {
	signer *crypto.Signer
	store  Store
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a Service. ttl is truncated to whole seconds by the
// token encoding, so callers should pass whole seconds.
func NewService(signer *crypto.Signer, store Store, ttl time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{signer: signer, store: store, ttl: ttl, now: now}
}

// TTL is the lifetime of every issued token.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue creates a new signed token for subject.
func (s *Service) Issue(_ context.Context, subject string) (Token, error) {
	if subject == "" {
		return Token{}, errors.New("token subject is empty")
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)

	value, err := s.signer.Sign(crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	return Token{
		Value:     value,
		Type:      TypeBearer,
		Subject:   subject,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks signature, structure, expiry and invalidation. It does not
// change any state.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	parsed, err := s.signer.Parse(raw)
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrTokenMalformed):
			return nil, ErrMalformed
		case errors.Is(err, crypto.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, ErrInvalid
		}
	}

	invalidated, err := s.store.IsInvalidated(ctx, parsed.ID)
	if err != nil {
		return nil, err
	}
	if invalidated {
		return nil, ErrInvalid
	}

	return &Claims{
		ID:        parsed.ID,
		Subject:   parsed.Subject,
		IssuedAt:  parsed.IssuedAt.Time,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges a fresh token for a new one and invalidates the
// presented token. Only one of several concurrent refreshes of the same
// token succeeds; the others get ErrInvalid.
func (s *Service) Refresh(ctx context.Context, raw string) (Token, error) {
	claims, err := s.Verify(ctx, raw)
	if err != nil {
		return Token{}, err
	}

	// Sign before marking so a signing failure leaves the presented token usable.
	next, err := s.Issue(ctx, claims.Subject)
	if err != nil {
		return Token{}, err
	}

	first, err := s.store.MarkInvalidated(ctx, claims.ID, claims.ExpiresAt)
	if err != nil {
		return Token{}, err
	}
	if !first {
		return Token{}, ErrInvalid
	}

	return next, nil
}

// Invalidate marks a fresh token unusable. Invalidating an already
// invalidated token is not an error.
func (s *Service) Invalidate(ctx context.Context, raw string) error {
	claims, err := s.Verify(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalid) && s.alreadyInvalidated(ctx, raw) {
			return nil
		}
		return err
	}

	_, err = s.store.MarkInvalidated(ctx, claims.ID, claims.ExpiresAt)
	return err
}

// alreadyInvalidated reports whether raw is correctly signed and unexpired
// but recorded as invalidated.
func (s *Service) alreadyInvalidated(ctx context.Context, raw string) bool {
	parsed, err := s.signer.Parse(raw)
	if err != nil {
		return false
	}
	invalidated, err := s.store.IsInvalidated(ctx, parsed.ID)
	return err == nil && invalidated
}
