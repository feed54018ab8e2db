package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const bearerTokenKey contextKey = "bearerToken"

// BearerToken extracts the bearer token from the Authorization header into
// the request context. It never rejects: verification, and the audit event
// that goes with it, belong to the auth service.
func BearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if scheme, value, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}

		ctx := context.WithValue(r.Context(), bearerTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromContext returns the bearer token stored by BearerToken, or "".
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerTokenKey).(string)
	return token
}

// ClientIP is the host part of RemoteAddr. Behind a trusted proxy, chi's
// RealIP middleware rewrites RemoteAddr first.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
