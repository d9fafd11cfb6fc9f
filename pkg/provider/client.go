// Package provider executes LLM and image-generation calls against the
// OpenRouter API with policy-driven model routing, retries, fallbacks, and
// circuit breaking.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/telemetry"
	"github.com/wisbric/brandowl/pkg/breaker"
	"github.com/wisbric/brandowl/pkg/trace"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the outcome of a text-model call.
type ChatResult struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Image is one generated image.
type Image struct {
	Data   []byte
	Format string
}

// ImagesResult is the outcome of an image-model call.
type ImagesResult struct {
	Images  []Image
	Model   string
	CostUSD float64
}

// Client is the policy-driven provider client. Safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	referer  string
	policy   *Policy
	breakers *breaker.Registry
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a provider client. The HTTP client carries no timeout of
// its own; per-task deadlines come from the policy via context.
func NewClient(baseURL, apiKey, referer string, policy *Policy, breakers *breaker.Registry, logger *slog.Logger) *Client {
	for task := range policy.Tasks {
		breakers.Configure("provider:"+task, breaker.Config{
			ExcludedKinds: []apperr.Kind{apperr.KindValidation, apperr.KindContentPolicy, apperr.KindBudgetExceeded},
		})
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		referer:  referer,
		policy:   policy,
		breakers: breakers,
		http:     &http.Client{},
		logger:   logger,
	}
}

// Chat executes the named task's text call through the model route. The
// result is recorded on the active trace with hashed prompt and completion.
func (c *Client) Chat(ctx context.Context, task string, messages []Message) (*ChatResult, error) {
	start := time.Now()
	out, err := c.callRoute(ctx, task, func(callCtx context.Context, model string) (any, error) {
		return c.chatOnce(callCtx, task, model, messages)
	})
	if err != nil {
		return nil, err
	}
	res := out.(*ChatResult)
	c.recordCall(ctx, task, res.Model, joinMessages(messages), res.Content,
		res.PromptTokens, res.CompletionTokens, time.Since(start), res.CostUSD)
	return res, nil
}

// Images executes the named task's image call through the model route.
func (c *Client) Images(ctx context.Context, task, prompt string, n int, size string) (*ImagesResult, error) {
	start := time.Now()
	out, err := c.callRoute(ctx, task, func(callCtx context.Context, model string) (any, error) {
		return c.imagesOnce(callCtx, task, model, prompt, n, size)
	})
	if err != nil {
		return nil, err
	}
	res := out.(*ImagesResult)
	c.recordCall(ctx, task, res.Model, prompt, fmt.Sprintf("%d images", len(res.Images)),
		0, 0, time.Since(start), res.CostUSD)
	return res, nil
}

// callRoute walks the task's model chain. Each model gets the policy's
// retry budget; each attempt runs through the task breaker under the task
// timeout. An open breaker short-circuits the whole route.
func (c *Client) callRoute(ctx context.Context, task string, call func(ctx context.Context, model string) (any, error)) (any, error) {
	route := c.policy.Route(task)
	if len(route) == 0 {
		return nil, apperr.E(apperr.KindInternal, "no model route for task %s", task)
	}

	var lastErr error
	for _, model := range route {
		out, err := c.tryModel(ctx, task, model, call)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if apperr.Is(err, apperr.KindBreakerOpen) {
			return nil, err
		}
		c.logger.Warn("model exhausted, moving to fallback",
			"task", task, "model", model, "error", err)
	}
	return nil, apperr.Wrap(apperr.KindProvider, lastErr, "all models exhausted for task %s", task)
}

// tryModel spends the retry budget on one model with jittered backoff.
func (c *Client) tryModel(ctx context.Context, task, model string, call func(ctx context.Context, model string) (any, error)) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.policy.Retry.BackoffMS) * time.Millisecond

	return backoff.Retry(ctx, func() (any, error) {
		out, err := c.breakers.Execute("provider:"+task, func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout(task))
			defer cancel()
			res, err := call(callCtx, model)
			if err != nil {
				telemetry.AIRequestsTotal.WithLabelValues(task, model, "error").Inc()
				return nil, err
			}
			telemetry.AIRequestsTotal.WithLabelValues(task, model, "ok").Inc()
			return res, nil
		})
		if err != nil {
			if !apperr.Retryable(err) || apperr.Is(err, apperr.KindBreakerOpen) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.policy.Retry.MaxAttempts)))
}

// chatOnce performs a single chat-completion HTTP call.
func (c *Client) chatOnce(ctx context.Context, task, model string, messages []Message) (*ChatResult, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage usage  `json:"usage"`
		Model string `json:"model"`
	}
	if err := c.post(ctx, "/chat/completions", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.E(apperr.KindProvider, "empty choices from model %s", model)
	}

	if resp.Model == "" {
		resp.Model = model
	}
	cost := extractCost(model, resp.Usage, 0)
	if err := c.enforceCostCap(task, cost); err != nil {
		return nil, err
	}

	return &ChatResult{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}, nil
}

// imagesOnce performs a single image-generation HTTP call.
func (c *Client) imagesOnce(ctx context.Context, task, model, prompt string, n int, size string) (*ImagesResult, error) {
	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
		"n":      n,
		"size":   size,
	}

	var resp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
			Format  string `json:"format,omitempty"`
		} `json:"data"`
		Usage usage `json:"usage"`
	}
	if err := c.post(ctx, "/images", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, apperr.E(apperr.KindProvider, "no images returned by model %s", model)
	}

	images := make([]Image, 0, len(resp.Data))
	for _, d := range resp.Data {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindProvider, err, "decoding image payload from %s", model)
		}
		format := d.Format
		if format == "" {
			format = "png"
		}
		images = append(images, Image{Data: raw, Format: format})
	}

	cost := extractCost(model, resp.Usage, len(images))
	if err := c.enforceCostCap(task, cost); err != nil {
		return nil, err
	}

	return &ImagesResult{Images: images, Model: model, CostUSD: cost}, nil
}

// enforceCostCap treats a response whose cost breaches the task's cap as a
// provider failure, which triggers retry/fallback like any other.
func (c *Client) enforceCostCap(task string, cost float64) error {
	maxCost := c.policy.MaxCost(task)
	if maxCost > 0 && cost > maxCost {
		return apperr.E(apperr.KindProvider, "cost $%.4f exceeds task cap $%.4f for %s", cost, maxCost, task)
	}
	return nil
}

// post sends a JSON request to the provider and decodes the response.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "marshaling provider payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "creating provider request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", "Brandowl")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "calling provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.E(apperr.KindProvider, "provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "decoding provider response")
	}
	return nil
}

// recordCall attaches the call to the active trace and bumps AI metrics.
func (c *Client) recordCall(ctx context.Context, task, model, prompt, completion string, promptTokens, completionTokens int, latency time.Duration, costUSD float64) {
	telemetry.AITokensTotal.WithLabelValues(task).Add(float64(promptTokens + completionTokens))
	telemetry.AICostUSDTotal.WithLabelValues(task).Add(costUSD)
	if t := trace.FromContext(ctx); t != nil {
		t.RecordLLMCall(task, model, prompt, completion, promptTokens, completionTokens, latency, costUSD)
	}
}

func joinMessages(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
