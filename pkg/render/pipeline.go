// Package render drives a validated render request through planning, brand
// canon enforcement, image generation, storage, and audit.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/budget"
	"github.com/wisbric/brandowl/pkg/cache"
	"github.com/wisbric/brandowl/pkg/canon"
	"github.com/wisbric/brandowl/pkg/provider"
	"github.com/wisbric/brandowl/pkg/storage"
	"github.com/wisbric/brandowl/pkg/trace"
)

// plannerSystemPrompt instructs the planner task to emit only the plan JSON.
const plannerSystemPrompt = `You are a senior brand designer. Use Brand Canon strictly.
Output ONLY valid JSON matching this exact schema:
{
  "goal": "string describing the design goal",
  "ops": ["array of operations: local_edit, inpaint, style_transfer, multi_image_fusion, or text_overlay"],
  "safety": {
    "respect_logo_safe_zone": true or false,
    "palette_only": true or false
  }
}
No additional text, markdown, or explanation. ONLY the JSON object.`

// criticSystemPrompt instructs the critic task to emit only the critique JSON.
const criticSystemPrompt = `You are a brand QA auditor. Compare asset against Brand Canon.
Output ONLY valid JSON matching this exact schema:
{
  "score": 0.0 to 1.0 (number),
  "violations": ["array of violation strings"],
  "repair_suggestions": ["array of suggestion strings"]
}
No additional text, markdown, or explanation. ONLY the JSON object.`

// Mode selects which storage prefix and URL expiry a render targets.
type Mode int

const (
	// ModeFinal stores under renders/ with the standard signed expiry.
	ModeFinal Mode = iota
	// ModePreview stores under previews/ with the preview expiry.
	ModePreview
)

// Pipeline executes render requests end to end. Safe for concurrent use.
type Pipeline struct {
	provider  *provider.Client
	cache     *cache.Cache
	canons    *canon.Store
	budget    *budget.Controller
	store     *storage.Store
	sink      *trace.Sink
	logger    *slog.Logger
	allowHost func(host string) bool

	planCacheTTL time.Duration
}

// NewPipeline wires the render pipeline.
func NewPipeline(
	p *provider.Client,
	c *cache.Cache,
	canons *canon.Store,
	b *budget.Controller,
	store *storage.Store,
	sink *trace.Sink,
	logger *slog.Logger,
	allowHost func(host string) bool,
	planCacheTTL time.Duration,
) *Pipeline {
	if planCacheTTL <= 0 {
		planCacheTTL = 24 * time.Hour
	}
	return &Pipeline{
		provider:     p,
		cache:        c,
		canons:       canons,
		budget:       b,
		store:        store,
		sink:         sink,
		logger:       logger,
		allowHost:    allowHost,
		planCacheTTL: planCacheTTL,
	}
}

// Run executes the full pipeline for one request. The trace is created by
// the caller (handler or worker) so job-level spans can wrap it.
func (p *Pipeline) Run(ctx context.Context, t *trace.Trace, orgID string, req *Request, mode Mode) (*Result, error) {
	ctx = trace.WithTrace(ctx, t)

	// Validate & sanitize.
	end := t.StartSpan("validate", map[string]any{"project_id": req.ProjectID})
	err := p.validate(req)
	end(err)
	if err != nil {
		return nil, err
	}

	// Budget precheck: fail fast before any provider spend.
	end = t.StartSpan("budget_precheck", nil)
	err = p.budget.Enforce(ctx, orgID)
	end(err)
	if err != nil {
		return nil, err
	}

	// Plan.
	end = t.StartSpan("plan", nil)
	plan, err := p.plan(ctx, req)
	end(err)
	if err != nil {
		return nil, err
	}

	// Brand canon enforcement.
	end = t.StartSpan("canon_enforce", nil)
	enforcement := p.enforceCanon(ctx, orgID, req)
	end(nil)

	// Generate.
	end = t.StartSpan("generate", map[string]any{"count": req.Outputs.Count, "dimensions": req.Outputs.Dimensions})
	images, err := p.generate(ctx, req, plan, enforcement)
	end(err)
	if err != nil {
		return nil, err
	}

	// Store.
	end = t.StartSpan("store", nil)
	assets, err := p.storeAssets(ctx, orgID, req, images, mode)
	end(err)
	if err != nil {
		return nil, err
	}

	// Critique (best-effort): audit only, never fails the request.
	end = t.StartSpan("critique", nil)
	critique := p.critique(ctx, req, enforcement)
	end(nil)

	// Track cost. The call that crosses the cap is the last permitted one,
	// so a budget refusal here does not undo completed work.
	end = t.StartSpan("cost_track", nil)
	if _, err := p.budget.Track(ctx, orgID, t.TotalCostUSD(), firstModel(t), "render"); err != nil {
		if !apperr.Is(err, apperr.KindBudgetExceeded) {
			p.logger.Warn("cost tracking failed", "org_id", orgID, "error", err)
		}
	}
	end(nil)

	guardrailsOK := enforcement.GuardrailsOK && len(enforcement.Violations) == 0
	if critique != nil && len(critique.Violations) > 0 {
		guardrailsOK = false
	}

	result := &Result{
		Assets: assets,
		Audit: Audit{
			TraceID:      t.ID,
			ModelRoute:   t.ModelRoute(),
			CostUSD:      t.TotalCostUSD(),
			GuardrailsOK: guardrailsOK,
			VerifiedBy:   "declared",
		},
	}

	p.sink.Ship(t)
	return result, nil
}

func (p *Pipeline) validate(req *Request) error {
	if errs := httpserver.Validate(req); len(errs) > 0 {
		detail := make([]map[string]string, 0, len(errs))
		for _, e := range errs {
			detail = append(detail, map[string]string{"field": e.Field, "message": e.Message})
		}
		return apperr.E(apperr.KindValidation, "request failed validation").WithField("fields", detail)
	}
	return req.Sanitize(p.allowHost)
}

// plan calls the planner task, caching by project, instruction, and the
// canonicalized constraints.
func (p *Pipeline) plan(ctx context.Context, req *Request) (*Plan, error) {
	key := cache.Key("plan", req.ProjectID, req.Prompts.Task, req.Prompts.Instruction, req.Constraints)

	raw, err := p.cache.GetOrCompute(ctx, key, p.planCacheTTL, func(ctx context.Context) (any, error) {
		return p.freshPlan(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "decoding cached plan")
	}
	return &plan, nil
}

func (p *Pipeline) freshPlan(ctx context.Context, req *Request) (*Plan, error) {
	userPrompt, err := json.Marshal(map[string]any{
		"task":        req.Prompts.Task,
		"instruction": req.Prompts.Instruction,
		"references":  req.Prompts.References,
		"constraints": req.Constraints,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding planner context: %w", err)
	}

	res, err := p.provider.Chat(ctx, provider.TaskPlanner, []provider.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: string(userPrompt)},
	})
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := provider.DecodeStrictJSON(res.Content, &plan); err != nil {
		return nil, apperr.E(apperr.KindValidation, "planner returned output violating the plan contract")
	}
	if errs := httpserver.Validate(&plan); len(errs) > 0 {
		return nil, apperr.E(apperr.KindValidation, "planner output failed schema validation")
	}
	return &plan, nil
}

// enforceCanon loads (deriving if needed) the project canon and merges the
// request constraints. A canon failure falls back to the conservative
// default and marks guardrails as degraded.
func (p *Pipeline) enforceCanon(ctx context.Context, orgID string, req *Request) canon.EnforcementResult {
	projectCanon, err := p.canons.GetOrDerive(ctx, orgID, req.ProjectID, func(ctx context.Context) (canon.Canon, error) {
		return canon.Default(), nil
	})
	if err != nil {
		p.logger.Warn("canon lookup failed, using conservative default",
			"org_id", orgID, "project_id", req.ProjectID, "error", err)
		res := canon.Enforce(canon.Default(), req.Constraints)
		res.GuardrailsOK = false
		return res
	}
	return canon.Enforce(projectCanon, req.Constraints)
}

func (p *Pipeline) generate(ctx context.Context, req *Request, plan *Plan, enforcement canon.EnforcementResult) ([]provider.Image, error) {
	base := fmt.Sprintf("Goal: %s\nTask: %s\nInstruction: %s", plan.Goal, req.Prompts.Task, req.Prompts.Instruction)
	prompt := canon.EnhancePrompt(base, enforcement.Effective)

	res, err := p.provider.Images(ctx, provider.TaskImage, prompt, req.Outputs.Count, req.Outputs.Dimensions)
	if err != nil {
		return nil, err
	}
	if len(res.Images) == 0 {
		return nil, apperr.E(apperr.KindProvider, "image generation returned zero images")
	}
	return res.Images, nil
}

func (p *Pipeline) storeAssets(ctx context.Context, orgID string, req *Request, images []provider.Image, mode Mode) ([]Asset, error) {
	assets := make([]Asset, 0, len(images))
	for _, img := range images {
		format := img.Format
		if format == "" {
			format = req.Outputs.Format
		}

		var key string
		var expiry time.Duration
		if mode == ModePreview {
			key = storage.PreviewKey(orgID, req.ProjectID, format)
			expiry = storage.PreviewURLExpiry
		} else {
			key = storage.RenderKey(orgID, req.ProjectID, format)
			expiry = storage.RenderURLExpiry
		}

		if err := p.store.Put(ctx, key, img.Data, storage.ContentTypeForFormat(format)); err != nil {
			return nil, err
		}
		url, err := p.store.SignedURL(ctx, key, expiry)
		if err != nil {
			return nil, err
		}

		assets = append(assets, Asset{
			URL:         url,
			StorageKey:  key,
			PublicAlias: storage.PublicAlias(key),
			SynthID:     SynthID{Present: false},
		})
	}
	return assets, nil
}

// critique asks the critic task for an audit score. Failures are logged and
// swallowed; the render result never depends on the critic.
func (p *Pipeline) critique(ctx context.Context, req *Request, enforcement canon.EnforcementResult) *Critique {
	userPrompt, err := json.Marshal(map[string]any{
		"instruction": req.Prompts.Instruction,
		"canon":       enforcement.Effective,
		"violations":  enforcement.Violations,
	})
	if err != nil {
		return nil
	}

	res, err := p.provider.Chat(ctx, provider.TaskCritic, []provider.Message{
		{Role: "system", Content: criticSystemPrompt},
		{Role: "user", Content: string(userPrompt)},
	})
	if err != nil {
		p.logger.Warn("critique failed", "project_id", req.ProjectID, "error", err)
		return nil
	}

	var c Critique
	if err := provider.DecodeStrictJSON(res.Content, &c); err != nil {
		p.logger.Warn("critique returned invalid JSON", "project_id", req.ProjectID)
		return nil
	}
	return &c
}

func firstModel(t *trace.Trace) string {
	route := t.ModelRoute()
	if len(route) == 0 {
		return "unknown"
	}
	return route[0]
}
