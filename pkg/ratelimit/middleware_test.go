package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/pkg/tenant"
)

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(rdb, slog.New(slog.DiscardHandler), 100, nil)

	handler := l.Middleware("render")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/render", nil)
		req = req.WithContext(tenant.WithIdentity(req.Context(), &tenant.Identity{
			OrgID: "acme", APIKeyPrefix: "org_acme.abcdefg",
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 30; i++ {
		last = do()
		if last.Code != http.StatusOK {
			t.Fatalf("request %d rejected early: %d", i+1, last.Code)
		}
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "30" {
		t.Errorf("X-RateLimit-Limit = %q, want 30", got)
	}

	// The 31st request within the window is refused with full metadata.
	rejected := do()
	if rejected.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rejected.Code)
	}
	if got := rejected.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	retryAfter, err := strconv.Atoi(rejected.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want within [1, 60]", rejected.Header().Get("Retry-After"))
	}
	if rejected.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing on rejection")
	}
}
