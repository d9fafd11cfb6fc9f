// Package tenant resolves the organization an authenticated request acts
// for. Token verification happens at the gateway; this package consumes the
// resulting API key and derives a stable org identity from it.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identity describes the caller of an API request.
type Identity struct {
	OrgID string
	// APIKeyPrefix is the first 16 characters of the presented key, used as
	// the rate-limit identifier. Empty when the caller is anonymous.
	APIKeyPrefix string
	// ClientIP is the best-effort client address, used as the rate-limit
	// identifier of last resort.
	ClientIP string
}

type contextKey struct{}

// FromContext extracts the identity stored by the middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// RateLimitIdentifier returns the identifier the rate limiter should bucket
// this caller under: API key prefix, then org, then client IP.
func (id *Identity) RateLimitIdentifier() string {
	switch {
	case id.APIKeyPrefix != "":
		return "key:" + id.APIKeyPrefix
	case id.OrgID != "" && id.OrgID != DevOrgID:
		return "org:" + id.OrgID
	default:
		return "ip:" + id.ClientIP
	}
}

// DevOrgID is the fallback org applied when no API key is presented outside
// production.
const DevOrgID = "dev"

// Middleware resolves the caller's org from the API key. requireKey controls
// whether anonymous requests are rejected (production) or mapped to the dev
// org (local development).
func Middleware(requireKey bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKey(r)

			id := &Identity{ClientIP: clientIP(r)}
			switch {
			case key != "":
				id.APIKeyPrefix = keyPrefix(key)
				id.OrgID = orgFromKey(key)
			case requireKey:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"missing API key"}`))
				return
			default:
				id.OrgID = DevOrgID
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// apiKey extracts the presented API key from X-API-Key or a bearer token.
func apiKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func keyPrefix(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

// orgFromKey derives a stable org identifier from the API key. Keys issued
// by the gateway embed the org as "org_<id>.<secret>"; opaque keys hash to a
// synthetic org so unknown tenants still isolate from each other.
func orgFromKey(key string) string {
	if strings.HasPrefix(key, "org_") {
		if idx := strings.IndexByte(key, '.'); idx > 4 {
			return key[4:idx]
		}
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// clientIP extracts the client IP, preferring proxy headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
