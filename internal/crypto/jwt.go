package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("malformed token")
)

// Claims represents the JWT claims of an access token. Subject carries the
// user id and ID the per-token identifier used for invalidation.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer signs and parses HS256 tokens bound to one issuer and audience.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewSigner creates a Signer. A nil clock uses time.Now.
func NewSigner(secret, issuer, audience string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      now,
	}
}

// Sign stamps issuer and audience onto claims and returns the signed token.
func (s *Signer) Sign(claims Claims) (string, error) {
	claims.Issuer = s.issuer
	claims.Audience = jwt.ClaimStrings{s.audience}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse verifies signature, issuer, audience and expiry.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
