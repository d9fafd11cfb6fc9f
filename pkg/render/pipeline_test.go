package render

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/breaker"
	"github.com/wisbric/brandowl/pkg/budget"
	"github.com/wisbric/brandowl/pkg/cache"
	"github.com/wisbric/brandowl/pkg/canon"
	"github.com/wisbric/brandowl/pkg/provider"
	"github.com/wisbric/brandowl/pkg/storage"
	"github.com/wisbric/brandowl/pkg/trace"
)

type providerStub struct {
	calls atomic.Int32
}

// ServeHTTP answers planner/critic chats with valid contract JSON and image
// requests with one tiny PNG.
func (s *providerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	switch r.URL.Path {
	case "/chat/completions":
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := `{"goal": "banner", "ops": ["text_overlay"], "safety": {"respect_logo_safe_zone": true, "palette_only": true}}`
		if req.Model == "critic/model" {
			content = `{"score": 0.9, "violations": [], "repair_suggestions": []}`
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
		})
	case "/images":
		png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(png), "format": "png"},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

// s3Stub accepts any PUT and answers object probes.
func s3Stub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"stub"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
}

func testPolicy() *provider.Policy {
	return &provider.Policy{
		Tasks: map[string]provider.TaskPolicy{
			provider.TaskPlanner: {Primary: "planner/model"},
			provider.TaskCritic:  {Primary: "critic/model"},
			provider.TaskCanon:   {Primary: "canon/model"},
			provider.TaskImage:   {Primary: "image/model"},
		},
		TimeoutsMS: provider.TimeoutPolicy{Default: 5000},
		Retry:      provider.RetryPolicy{MaxAttempts: 1, BackoffMS: 1},
	}
}

func testPipeline(t *testing.T, stub *providerStub) *Pipeline {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	providerSrv := httptest.NewServer(stub)
	t.Cleanup(providerSrv.Close)
	s3Srv := httptest.NewServer(s3Stub())
	t.Cleanup(s3Srv.Close)

	mc, err := minio.New(s3Srv.Listener.Addr().String(), &minio.Options{
		Creds:  credentials.NewStaticV4("test", "test", ""),
		Secure: false,
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	c := cache.New(rdb, logger)
	breakers := breaker.NewRegistry(logger)
	pc := provider.NewClient(providerSrv.URL, "k", "https://test", testPolicy(), breakers, logger)
	canons := canon.NewStore(c, time.Hour)
	b := budget.NewController(rdb, logger, 50, nil)
	store := storage.New(mc, "brandowl-test")
	sink := trace.NewSink("", "", "", logger)

	return NewPipeline(pc, c, canons, b, store, sink, logger, nil, time.Hour)
}

func TestRunHappyPath(t *testing.T) {
	stub := &providerStub{}
	p := testPipeline(t, stub)

	req := validRequest()
	tr := trace.New("render")
	result, err := p.Run(context.Background(), tr, "org1", &req, ModeFinal)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Assets) != 1 {
		t.Fatalf("got %d assets, want 1", len(result.Assets))
	}
	keyRe := regexp.MustCompile(`^org/org1/renders/p1/[0-9a-f-]{36}\.png$`)
	if !keyRe.MatchString(result.Assets[0].StorageKey) {
		t.Errorf("storage key = %q", result.Assets[0].StorageKey)
	}
	aliasRe := regexp.MustCompile(`^public/p1/[0-9a-f-]{36}\.png$`)
	if !aliasRe.MatchString(result.Assets[0].PublicAlias) {
		t.Errorf("public alias = %q", result.Assets[0].PublicAlias)
	}
	if result.Assets[0].URL == "" {
		t.Error("asset URL should be signed and non-empty")
	}
	if result.Audit.TraceID != tr.ID {
		t.Errorf("trace id = %q, want %q", result.Audit.TraceID, tr.ID)
	}
	if result.Audit.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", result.Audit.CostUSD)
	}
	if !result.Audit.GuardrailsOK {
		t.Error("guardrails should be ok on the happy path")
	}
	if len(result.Audit.ModelRoute) == 0 {
		t.Error("model route should record the models used")
	}
}

func TestRunBannedTermNoProviderCall(t *testing.T) {
	stub := &providerStub{}
	p := testPipeline(t, stub)

	req := validRequest()
	req.Prompts.Instruction = "Create a banner featuring violence and mayhem"

	_, err := p.Run(context.Background(), trace.New("render"), "org1", &req, ModeFinal)
	if !apperr.Is(err, apperr.KindContentPolicy) {
		t.Fatalf("err = %v, want ContentPolicyViolation", err)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("provider called %d times for a policy-rejected request", stub.calls.Load())
	}
}

func TestRunBudgetPrecheckRefuses(t *testing.T) {
	stub := &providerStub{}
	p := testPipeline(t, stub)
	ctx := context.Background()

	// Exhaust the daily budget first.
	if _, err := p.budget.Track(ctx, "org1", 60, "m", "render"); err != nil {
		t.Fatal(err)
	}

	req := validRequest()
	_, err := p.Run(ctx, trace.New("render"), "org1", &req, ModeFinal)
	if !apperr.Is(err, apperr.KindBudgetExceeded) {
		t.Fatalf("err = %v, want BudgetExceeded", err)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("provider called %d times after budget refusal", stub.calls.Load())
	}
}

func TestRunPreviewModeUsesPreviewPrefix(t *testing.T) {
	stub := &providerStub{}
	p := testPipeline(t, stub)

	req := validRequest()
	result, err := p.Run(context.Background(), trace.New("render.preview"), "org1", &req, ModePreview)
	if err != nil {
		t.Fatal(err)
	}
	keyRe := regexp.MustCompile(`^org/org1/previews/p1/[0-9a-f-]{36}\.png$`)
	if !keyRe.MatchString(result.Assets[0].StorageKey) {
		t.Errorf("preview key = %q", result.Assets[0].StorageKey)
	}
}

func TestPlanCachedAcrossRuns(t *testing.T) {
	stub := &providerStub{}
	p := testPipeline(t, stub)
	ctx := context.Background()

	req := validRequest()
	if _, err := p.Run(ctx, trace.New("render"), "org1", &req, ModeFinal); err != nil {
		t.Fatal(err)
	}
	first := stub.calls.Load()

	if _, err := p.Run(ctx, trace.New("render"), "org1", &req, ModeFinal); err != nil {
		t.Fatal(err)
	}
	second := stub.calls.Load() - first

	// The second run reuses the cached plan: one fewer provider call.
	if second >= first {
		t.Errorf("second run made %d calls, first made %d; expected fewer via plan cache", second, first)
	}
}
