// Package trace records per-request timing, span, and model-call data and
// ships finished traces to the observability sink. Prompts and completions
// are stored as SHA-256 hashes only.
package trace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a finished span.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// LLMCall is one invocation of the external provider.
type LLMCall struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	Task             string    `json:"task"`
	PromptHash       string    `json:"prompt_hash"`
	CompletionHash   string    `json:"completion_hash"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	Span             string    `json:"span,omitempty"`
}

// Span is one timed stage of a request.
type Span struct {
	Name       string         `json:"name"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	DurationMS int64          `json:"duration_ms"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	LLMCalls   int            `json:"llm_calls"`
}

// Trace aggregates the spans and model calls belonging to one request.
type Trace struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	mu          sync.Mutex
	spans       []*Span
	open        []*Span // stack of unfinished spans
	llmCalls    []LLMCall
	totalCost   float64
	totalTokens int
	startedAt   time.Time
}

// New creates a trace for the named operation.
func New(name string) *Trace {
	return &Trace{
		ID:        uuid.New().String(),
		Name:      name,
		startedAt: time.Now(),
	}
}

// StartSpan opens a nested span. The returned close function must be called
// exactly once; pass the stage error (or nil) to set the span status.
func (t *Trace) StartSpan(name string, meta map[string]any) func(err error) {
	t.mu.Lock()
	sp := &Span{Name: name, Start: time.Now(), Meta: meta}
	t.open = append(t.open, sp)
	t.mu.Unlock()

	return func(err error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		sp.End = time.Now()
		sp.DurationMS = sp.End.Sub(sp.Start).Milliseconds()
		if err != nil {
			sp.Status = StatusError
			sp.Error = err.Error()
		} else {
			sp.Status = StatusOK
		}

		for i := len(t.open) - 1; i >= 0; i-- {
			if t.open[i] == sp {
				t.open = append(t.open[:i], t.open[i+1:]...)
				break
			}
		}
		t.spans = append(t.spans, sp)
	}
}

// RecordLLMCall appends a model-call record. The raw prompt and completion
// never leave this function; only their hashes are retained.
func (t *Trace) RecordLLMCall(task, model, prompt, completion string, promptTokens, completionTokens int, latency time.Duration, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := LLMCall{
		Timestamp:        time.Now(),
		Model:            model,
		Task:             task,
		PromptHash:       hash(prompt),
		CompletionHash:   hash(completion),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		LatencyMS:        latency.Milliseconds(),
		CostUSD:          costUSD,
	}
	if n := len(t.open); n > 0 {
		call.Span = t.open[n-1].Name
		t.open[n-1].LLMCalls++
	}
	t.llmCalls = append(t.llmCalls, call)
	t.totalCost += costUSD
	t.totalTokens += call.TotalTokens
}

// TotalCostUSD returns the summed cost of all recorded model calls.
func (t *Trace) TotalCostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// TotalTokens returns the summed token count of all recorded model calls.
func (t *Trace) TotalTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalTokens
}

// LLMCalls returns a copy of the recorded model calls.
func (t *Trace) LLMCalls() []LLMCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LLMCall, len(t.llmCalls))
	copy(out, t.llmCalls)
	return out
}

// ModelRoute returns the distinct models used, in first-use order.
func (t *Trace) ModelRoute() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var route []string
	for _, c := range t.llmCalls {
		if !seen[c.Model] {
			seen[c.Model] = true
			route = append(route, c.Model)
		}
	}
	return route
}

// Export is the serialized form shipped to the sink.
type Export struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Spans       []*Span   `json:"spans"`
	LLMCalls    []LLMCall `json:"llm_calls"`
	TotalCost   float64   `json:"total_cost_usd"`
	TotalTokens int       `json:"total_tokens"`
}

// Snapshot serializes the trace for shipping.
func (t *Trace) Snapshot() Export {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := make([]*Span, len(t.spans))
	copy(spans, t.spans)
	calls := make([]LLMCall, len(t.llmCalls))
	copy(calls, t.llmCalls)
	return Export{
		ID:          t.ID,
		Name:        t.Name,
		StartedAt:   t.startedAt,
		DurationMS:  time.Since(t.startedAt).Milliseconds(),
		Spans:       spans,
		LLMCalls:    calls,
		TotalCost:   t.totalCost,
		TotalTokens: t.totalTokens,
	}
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type contextKey struct{}

// WithTrace returns a context carrying the trace.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the active trace, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(contextKey{}).(*Trace)
	return t
}
