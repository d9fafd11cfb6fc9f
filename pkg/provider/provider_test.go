package provider

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/breaker"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func fastPolicy() *Policy {
	return &Policy{
		Tasks: map[string]TaskPolicy{
			TaskPlanner: {Primary: "primary/model", Fallbacks: []string{"fallback/model"}},
			TaskImage:   {Primary: "image/model"},
		},
		TimeoutsMS: TimeoutPolicy{Default: 2000},
		Retry:      RetryPolicy{MaxAttempts: 2, BackoffMS: 1},
	}
}

func newTestClient(t *testing.T, handler http.Handler, policy *Policy) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key", "https://test", policy, breaker.NewRegistry(testLogger()), testLogger())
	return c, srv
}

func chatResponse(model, content string, promptTokens, completionTokens int) map[string]any {
	return map[string]any{
		"model": model,
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
}

func TestChatSuccess(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "primary/model" {
			t.Errorf("model = %q, want primary/model", req.Model)
		}
		_ = json.NewEncoder(w).Encode(chatResponse("primary/model", "hello", 100, 50))
	}), fastPolicy())

	res, err := c.Chat(t.Context(), TaskPlanner, []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.PromptTokens != 100 || res.CompletionTokens != 50 {
		t.Errorf("tokens = %d/%d", res.PromptTokens, res.CompletionTokens)
	}
	if res.CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0", res.CostUSD)
	}
}

func TestFallbackAfterPrimaryExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		calls.Add(1)
		if req.Model == "primary/model" {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse(req.Model, "from fallback", 10, 5))
	}), fastPolicy())

	res, err := c.Chat(t.Context(), TaskPlanner, []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "from fallback" {
		t.Errorf("Content = %q, want from fallback", res.Content)
	}
	// Two attempts on the primary, then the fallback.
	if calls.Load() != 3 {
		t.Errorf("outbound calls = %d, want 3", calls.Load())
	}
}

func TestAllModelsExhausted(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}), fastPolicy())

	_, err := c.Chat(t.Context(), TaskPlanner, []Message{{Role: "user", Content: "hi"}})
	if !apperr.Is(err, apperr.KindProvider) {
		t.Errorf("err = %v, want ProviderError", err)
	}
}

func TestBreakerSuppressesAfterConsecutiveFailures(t *testing.T) {
	var outbound atomic.Int32
	policy := &Policy{
		Tasks:      map[string]TaskPolicy{TaskPlanner: {Primary: "only/model"}},
		TimeoutsMS: TimeoutPolicy{Default: 2000},
		Retry:      RetryPolicy{MaxAttempts: 1, BackoffMS: 1},
	}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}), policy)

	for i := 0; i < 5; i++ {
		if _, err := c.Chat(t.Context(), TaskPlanner, nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	if outbound.Load() != 5 {
		t.Fatalf("outbound = %d, want 5", outbound.Load())
	}

	// Sixth call is suppressed without an outbound HTTP attempt.
	_, err := c.Chat(t.Context(), TaskPlanner, nil)
	if !apperr.Is(err, apperr.KindBreakerOpen) {
		t.Fatalf("err = %v, want BreakerOpen", err)
	}
	if outbound.Load() != 5 {
		t.Errorf("outbound = %d after breaker opened, want 5", outbound.Load())
	}
}

func TestImagesDecoded(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(raw), "format": "png"},
			},
		})
	}), fastPolicy())

	res, err := c.Images(t.Context(), TaskImage, "a banner", 1, "512x512")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 1 {
		t.Fatalf("got %d images", len(res.Images))
	}
	if string(res.Images[0].Data) != string(raw) {
		t.Error("decoded bytes differ")
	}
	if res.Images[0].Format != "png" {
		t.Errorf("format = %q", res.Images[0].Format)
	}
}

func TestCostCapCountsAsFailure(t *testing.T) {
	policy := fastPolicy()
	policy.Tasks[TaskPlanner] = TaskPolicy{Primary: "openai/gpt-4", MaxCostUSD: 0.0001}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Large token counts make the estimated cost blow past the cap.
		_ = json.NewEncoder(w).Encode(chatResponse("openai/gpt-4", "x", 100000, 100000))
	}), policy)

	_, err := c.Chat(t.Context(), TaskPlanner, nil)
	if !apperr.Is(err, apperr.KindProvider) {
		t.Errorf("err = %v, want ProviderError from cost cap", err)
	}
}

func TestExtractCost(t *testing.T) {
	// Provider-reported cost wins.
	if got := extractCost("any/model", usage{Cost: 0.123}, 0); got != 0.123 {
		t.Errorf("cost = %v, want 0.123", got)
	}
	// Pricing table estimate.
	got := extractCost("openai/gpt-4", usage{PromptTokens: 1000, CompletionTokens: 1000}, 0)
	if math.Abs(got-0.09) > 1e-9 {
		t.Errorf("gpt-4 cost = %v, want 0.09", got)
	}
	// Image flat rate.
	if got := extractCost("openai/dall-e-3", usage{}, 2); math.Abs(got-0.08) > 1e-9 {
		t.Errorf("dall-e cost = %v, want 0.08", got)
	}
	// Unknown models use the conservative default.
	if got := extractCost("unknown/model", usage{PromptTokens: 10}, 0); got != defaultCostUSD {
		t.Errorf("unknown model cost = %v, want %v", got, defaultCostUSD)
	}
}

func TestLoadPolicyFallsBackToDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Route(TaskPlanner)) == 0 {
		t.Error("default policy should route the planner task")
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	doc := `{
		"tasks": {"planner": {"primary": "a/b", "fallbacks": ["c/d"], "max_cost_usd": 0.5}},
		"timeouts_ms": {"default": 1000, "per_task": {"planner": 5000}},
		"retry": {"max_attempts": 3, "backoff_ms": 100}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	route := p.Route(TaskPlanner)
	if len(route) != 2 || route[0] != "a/b" || route[1] != "c/d" {
		t.Errorf("route = %v", route)
	}
	if p.Timeout(TaskPlanner) != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", p.Timeout(TaskPlanner))
	}
	if p.MaxCost(TaskPlanner) != 0.5 {
		t.Errorf("max cost = %v", p.MaxCost(TaskPlanner))
	}
}

func TestDecodeStrictJSON(t *testing.T) {
	type out struct {
		Goal string `json:"goal"`
	}

	tests := []struct {
		name    string
		content string
		wantErr bool
		goal    string
	}{
		{"plain", `{"goal": "g"}`, false, "g"},
		{"fenced", "```json\n{\"goal\": \"g\"}\n```", false, "g"},
		{"prose wrapped", `Here is the plan: {"goal": "g"} — enjoy`, false, "g"},
		{"garbage", "not json at all", true, ""},
	}
	for _, tt := range tests {
		var v out
		err := DecodeStrictJSON(tt.content, &v)
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: err = %v, wantErr = %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && v.Goal != tt.goal {
			t.Errorf("%s: goal = %q, want %q", tt.name, v.Goal, tt.goal)
		}
	}
}
