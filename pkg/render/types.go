package render

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/canon"
)

// Request is a validated render request. Immutable within a request's
// lifetime; sanitized before use.
type Request struct {
	ProjectID   string           `json:"project_id" validate:"required,max=64"`
	Prompts     Prompts          `json:"prompts" validate:"required"`
	Outputs     Outputs          `json:"outputs" validate:"required"`
	Constraints canon.Constraints `json:"constraints,omitempty"`
}

// Prompts carries the design task and its instruction.
type Prompts struct {
	Task        string   `json:"task" validate:"required,oneof=create edit variations"`
	Instruction string   `json:"instruction" validate:"required,min=5,max=2000"`
	References  []string `json:"references,omitempty" validate:"omitempty,max=8,dive,url"`
}

// Outputs declares the requested asset count, format, and dimensions.
type Outputs struct {
	Count      int    `json:"count" validate:"required,min=1,max=6"`
	Format     string `json:"format" validate:"required,oneof=png jpg webp"`
	Dimensions string `json:"dimensions" validate:"required"`
}

const maxPixels = 16_000_000

var (
	projectIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// bannedTerms fail a request before any provider call is made.
	bannedTerms = []string{"violence", "hate", "nsfw", "gore", "weapon"}
)

// ParseDimensions validates a WxH dimension string against the size limits.
func ParseDimensions(s string) (width, height int, err error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, apperr.E(apperr.KindValidation, "dimensions must be WxH, got %q", s)
	}
	width, werr := strconv.Atoi(parts[0])
	height, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil {
		return 0, 0, apperr.E(apperr.KindValidation, "dimensions must be WxH, got %q", s)
	}
	if width < 64 || height < 64 {
		return 0, 0, apperr.E(apperr.KindValidation, "dimensions %q below the 64px minimum", s)
	}
	if width*height > maxPixels {
		return 0, 0, apperr.E(apperr.KindValidation, "dimensions %q exceed the 16 megapixel limit", s)
	}
	return width, height, nil
}

// Sanitize validates the business rules struct tags cannot express:
// project id shape, dimension bounds, banned terms, and https-only
// references (optionally restricted to an allowlist).
func (r *Request) Sanitize(allowHost func(host string) bool) error {
	if !projectIDRe.MatchString(r.ProjectID) {
		return apperr.E(apperr.KindValidation, "project_id must be a token of at most 64 characters")
	}

	if _, _, err := ParseDimensions(r.Outputs.Dimensions); err != nil {
		return err
	}

	lower := strings.ToLower(r.Prompts.Instruction)
	for _, term := range bannedTerms {
		if strings.Contains(lower, term) {
			return apperr.E(apperr.KindContentPolicy, "instruction contains prohibited term %q", term)
		}
	}

	for _, ref := range r.Prompts.References {
		u, err := url.Parse(ref)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return apperr.E(apperr.KindContentPolicy, "reference %q must be an https URL", ref)
		}
		if allowHost != nil && !allowHost(u.Hostname()) {
			return apperr.E(apperr.KindContentPolicy, "reference host %q is not allowlisted", u.Hostname())
		}
	}

	return nil
}

// SynthID declares watermark provenance for a generated asset.
type SynthID struct {
	Present bool   `json:"present"`
	Payload string `json:"payload,omitempty"`
}

// Asset is one stored, generated image. StorageKey is the org-scoped
// object; PublicAlias is the project-scoped key clients address it by.
type Asset struct {
	URL         string  `json:"url"`
	StorageKey  string  `json:"storage_key"`
	PublicAlias string  `json:"public_alias"`
	SynthID     SynthID `json:"synthid"`
}

// Audit is the provenance block attached to every result.
type Audit struct {
	TraceID      string   `json:"trace_id"`
	ModelRoute   []string `json:"model_route"`
	CostUSD      float64  `json:"cost_usd"`
	GuardrailsOK bool     `json:"guardrails_ok"`
	VerifiedBy   string   `json:"verified_by"` // declared, external, or none
}

// Result is the outcome of a successful render.
type Result struct {
	Assets []Asset `json:"assets"`
	Audit  Audit   `json:"audit"`
}

// Plan is the strict-JSON contract the planner task must satisfy.
type Plan struct {
	Goal   string   `json:"goal" validate:"required"`
	Ops    []string `json:"ops" validate:"required,min=1,dive,oneof=local_edit inpaint style_transfer multi_image_fusion text_overlay"`
	Safety struct {
		RespectLogoSafeZone bool `json:"respect_logo_safe_zone"`
		PaletteOnly         bool `json:"palette_only"`
	} `json:"safety"`
}

// Critique is the strict-JSON contract the critic task must satisfy.
type Critique struct {
	Score             float64  `json:"score" validate:"gte=0,lte=1"`
	Violations        []string `json:"violations"`
	RepairSuggestions []string `json:"repair_suggestions"`
}

// PreviewDimensions is the fixed preview size used by async jobs.
const PreviewDimensions = "512x512"
