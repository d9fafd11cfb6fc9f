package canon

import (
	"fmt"
	"strings"
)

// Constraints are the per-request brand constraints submitted by the client.
type Constraints struct {
	PaletteHex      []string `json:"palette_hex,omitempty" validate:"omitempty,max=12,dive,hexcolor"`
	Fonts           []string `json:"fonts,omitempty" validate:"omitempty,max=6"`
	LogoSafeZonePct float64  `json:"logo_safe_zone_pct,omitempty" validate:"gte=0,lte=40"`
}

// EnforcementResult is the outcome of merging request constraints with the
// project canon.
type EnforcementResult struct {
	// Effective is the merged constraint set actually used for generation.
	Effective Canon
	// Violations lists request constraints the canon overrode.
	Violations []string
	// GuardrailsOK is false when the canon could not be loaded and the
	// conservative default was applied.
	GuardrailsOK bool
}

// Enforce merges request constraints with the project canon. The canon wins
// on the core brand elements (palette, fonts, voice); request values that
// conflict are recorded as violations rather than honored.
func Enforce(projectCanon Canon, req Constraints) EnforcementResult {
	res := EnforcementResult{Effective: projectCanon, GuardrailsOK: true}

	if len(projectCanon.PaletteHex) > 0 {
		for _, c := range req.PaletteHex {
			if !containsFold(projectCanon.PaletteHex, c) {
				res.Violations = append(res.Violations, fmt.Sprintf("color %s is not in the brand palette", c))
			}
		}
	} else if len(req.PaletteHex) > 0 {
		res.Effective.PaletteHex = req.PaletteHex
	}

	if len(projectCanon.Fonts) > 0 {
		for _, f := range req.Fonts {
			if !containsFold(projectCanon.Fonts, f) {
				res.Violations = append(res.Violations, fmt.Sprintf("font %q is not in the brand canon", f))
			}
		}
	} else if len(req.Fonts) > 0 {
		res.Effective.Fonts = req.Fonts
	}

	// The request may widen the safe zone, never narrow it.
	if req.LogoSafeZonePct > res.Effective.LogoSafeZonePct {
		res.Effective.LogoSafeZonePct = req.LogoSafeZonePct
	} else if req.LogoSafeZonePct > 0 && req.LogoSafeZonePct < projectCanon.LogoSafeZonePct {
		res.Violations = append(res.Violations,
			fmt.Sprintf("requested safe zone %.1f%% is below the canon minimum %.1f%%", req.LogoSafeZonePct, projectCanon.LogoSafeZonePct))
	}

	return res
}

// EnhancePrompt restates the effective canon constraints explicitly so the
// image model cannot miss them.
func EnhancePrompt(base string, effective Canon) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nBrand constraints (mandatory):")
	if len(effective.PaletteHex) > 0 {
		fmt.Fprintf(&b, "\n- Use ONLY these colors: %s", strings.Join(effective.PaletteHex, ", "))
	}
	if len(effective.Fonts) > 0 {
		fmt.Fprintf(&b, "\n- Typography limited to: %s", strings.Join(effective.Fonts, ", "))
	}
	if effective.Voice.Tone != "" {
		fmt.Fprintf(&b, "\n- Visual tone: %s", effective.Voice.Tone)
	}
	for _, dont := range effective.Voice.Donts {
		fmt.Fprintf(&b, "\n- Avoid: %s", dont)
	}
	if effective.LogoSafeZonePct > 0 {
		fmt.Fprintf(&b, "\n- Keep a clear zone of %.0f%% around any logo", effective.LogoSafeZonePct)
	}
	if effective.Style.PreferMinimal {
		b.WriteString("\n- Prefer minimal composition")
	}
	if effective.Style.AvoidGradients {
		b.WriteString("\n- No gradients")
	}
	if effective.Style.MaxColors > 0 {
		fmt.Fprintf(&b, "\n- At most %d distinct colors", effective.Style.MaxColors)
	}
	return b.String()
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
