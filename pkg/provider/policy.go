package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Task names routed by the policy file.
const (
	TaskPlanner = "planner"
	TaskCritic  = "critic"
	TaskCanon   = "canon"
	TaskImage   = "image"
)

// Policy is the declarative routing document: per-task primary model,
// ordered fallbacks, timeouts, cost caps, and retry settings.
type Policy struct {
	Tasks      map[string]TaskPolicy `json:"tasks"`
	TimeoutsMS TimeoutPolicy         `json:"timeouts_ms"`
	Retry      RetryPolicy           `json:"retry"`
}

// TaskPolicy routes one task.
type TaskPolicy struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks"`
	MaxCostUSD float64  `json:"max_cost_usd,omitempty"`
}

// TimeoutPolicy holds the default and per-task call deadlines.
type TimeoutPolicy struct {
	Default int            `json:"default"`
	PerTask map[string]int `json:"per_task,omitempty"`
}

// RetryPolicy bounds per-model retry attempts.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMS   int `json:"backoff_ms"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Tasks: map[string]TaskPolicy{
			TaskPlanner: {Primary: "openai/gpt-4o", Fallbacks: []string{"anthropic/claude-3-sonnet"}},
			TaskCritic:  {Primary: "openai/gpt-4o-mini", Fallbacks: []string{"openai/gpt-4o"}},
			TaskCanon:   {Primary: "openai/gpt-4o", Fallbacks: []string{"google/gemini-pro"}},
			TaskImage:   {Primary: "google/gemini-2.5-flash-image", Fallbacks: []string{"openai/dall-e-3"}},
		},
		TimeoutsMS: TimeoutPolicy{
			Default: 20000,
			PerTask: map[string]int{TaskImage: 60000},
		},
		Retry: RetryPolicy{MaxAttempts: 2, BackoffMS: 400},
	}
}

// LoadPolicy reads a policy file, falling back to the defaults when the
// path does not exist.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 2
	}
	if p.Retry.BackoffMS <= 0 {
		p.Retry.BackoffMS = 400
	}
	if p.TimeoutsMS.Default <= 0 {
		p.TimeoutsMS.Default = 20000
	}
	return &p, nil
}

// Route returns the ordered model chain for a task.
func (p *Policy) Route(task string) []string {
	tp, ok := p.Tasks[task]
	if !ok || tp.Primary == "" {
		return nil
	}
	return append([]string{tp.Primary}, tp.Fallbacks...)
}

// Timeout returns the call deadline for a task.
func (p *Policy) Timeout(task string) time.Duration {
	if ms, ok := p.TimeoutsMS.PerTask[task]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(p.TimeoutsMS.Default) * time.Millisecond
}

// MaxCost returns the per-call cost cap for a task; 0 means uncapped.
func (p *Policy) MaxCost(task string) float64 {
	return p.Tasks[task].MaxCostUSD
}
