package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOrgFromStructuredKey(t *testing.T) {
	if got := orgFromKey("org_acme.s3cr3tpart"); got != "acme" {
		t.Errorf("orgFromKey = %q, want acme", got)
	}
}

func TestOrgFromOpaqueKeyIsStable(t *testing.T) {
	a := orgFromKey("sk-opaque-key-1")
	b := orgFromKey("sk-opaque-key-1")
	c := orgFromKey("sk-opaque-key-2")
	if a != b {
		t.Error("same key should map to the same org")
	}
	if a == c {
		t.Error("different keys should map to different orgs")
	}
}

func TestRateLimitIdentifierPreference(t *testing.T) {
	withKey := &Identity{OrgID: "acme", APIKeyPrefix: "org_acme.abc", ClientIP: "1.2.3.4"}
	if got := withKey.RateLimitIdentifier(); got != "key:org_acme.abc" {
		t.Errorf("identifier = %q, want key prefix", got)
	}

	withOrg := &Identity{OrgID: "acme", ClientIP: "1.2.3.4"}
	if got := withOrg.RateLimitIdentifier(); got != "org:acme" {
		t.Errorf("identifier = %q, want org", got)
	}

	anon := &Identity{OrgID: DevOrgID, ClientIP: "1.2.3.4"}
	if got := anon.RateLimitIdentifier(); got != "ip:1.2.3.4" {
		t.Errorf("identifier = %q, want ip", got)
	}
}

func identityFor(t *testing.T, requireKey bool, setup func(*http.Request)) (*Identity, int) {
	t.Helper()
	var captured *Identity
	handler := Middleware(requireKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/render", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return captured, rec.Code
}

func TestMiddlewareResolvesAPIKeyHeader(t *testing.T) {
	id, code := identityFor(t, true, func(r *http.Request) {
		r.Header.Set("X-API-Key", "org_acme.secret")
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if id == nil || id.OrgID != "acme" {
		t.Errorf("identity = %+v, want org acme", id)
	}
}

func TestMiddlewareResolvesBearerToken(t *testing.T) {
	id, code := identityFor(t, true, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer org_beta.tok")
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if id == nil || id.OrgID != "beta" {
		t.Errorf("identity = %+v, want org beta", id)
	}
}

func TestMiddlewareRejectsAnonymousWhenRequired(t *testing.T) {
	id, code := identityFor(t, true, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
	if id != nil {
		t.Error("handler should not run for rejected requests")
	}
}

func TestMiddlewareDevFallback(t *testing.T) {
	id, code := identityFor(t, false, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if id == nil || id.OrgID != DevOrgID {
		t.Errorf("identity = %+v, want dev org", id)
	}
	if id.ClientIP != "10.0.0.9" {
		t.Errorf("ClientIP = %q", id.ClientIP)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	id, _ := identityFor(t, false, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	})
	if id.ClientIP != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want first forwarded address", id.ClientIP)
	}
}
