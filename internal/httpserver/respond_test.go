package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/brandowl/internal/apperr"
)

func TestRespondAppErrorEnvelope(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/render", nil)
	w := httptest.NewRecorder()

	RespondAppError(w, r, apperr.E(apperr.KindBudgetExceeded, "daily budget exhausted").WithRetryAfter(1200))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1200" {
		t.Errorf("Retry-After = %q, want 1200", got)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "budget_exceeded" {
		t.Errorf("error = %q", resp.Error)
	}
	if resp.Message == "" {
		t.Error("message should be populated")
	}
	if resp.Details["retry_after_seconds"] != float64(1200) {
		t.Errorf("details = %v", resp.Details)
	}
}

func TestRespondAppErrorWrapsPlainErrors(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()

	RespondAppError(w, r, http.ErrBodyNotAllowed)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("CSP header missing")
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Error("request id should be generated")
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Error("response header should echo the request id")
	}

	// Client-provided ids are preserved.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "given-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "given-id" {
		t.Errorf("request id = %q, want given-id", seen)
	}
}
