package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/internal/telemetry"
	"github.com/wisbric/brandowl/pkg/tenant"
)

// Middleware enforces the named endpoint's limit for the request's
// identifier and writes the X-RateLimit-* headers.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := "ip:" + r.RemoteAddr
			if id := tenant.FromContext(r.Context()); id != nil {
				identifier = id.RateLimitIdentifier()
			}

			res := l.Check(r.Context(), identifier, endpoint)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			if res.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if !res.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				telemetry.RateLimitedTotal.WithLabelValues(endpoint).Inc()
				retryAfter := int(time.Until(res.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				httpserver.RespondAppError(w, r,
					apperr.E(apperr.KindRateLimited, "rate limit of %d requests per minute exceeded", res.Limit).
						WithRetryAfter(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
