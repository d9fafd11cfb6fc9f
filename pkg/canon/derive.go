package canon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/provider"
	"github.com/wisbric/brandowl/pkg/vector"
)

// canonSystemPrompt instructs the model to emit only the canon JSON.
const canonSystemPrompt = `Extract brand guidelines from evidence.
Output ONLY valid JSON matching this exact schema:
{
  "palette_hex": ["#XXXXXX", "#YYYYYY"],
  "fonts": ["Font Name 1", "Font Name 2"],
  "voice": {
    "tone": "string describing tone",
    "dos": ["array of do strings"],
    "donts": ["array of dont strings"]
  },
  "logo_safe_zone_pct": 10,
  "style_guidelines": {
    "prefer_minimal": true,
    "avoid_gradients": false,
    "max_colors": 4
  }
}
Extract palette (hex colors, max 12), fonts (max 6), voice (tone, dos, donts).
No additional text, markdown, or explanation. ONLY the JSON object.`

// Deriver builds canons from evidence vectors via the provider canon task.
type Deriver struct {
	provider *provider.Client
	vectors  *vector.Store
}

// NewDeriver creates a deriver.
func NewDeriver(p *provider.Client, v *vector.Store) *Deriver {
	return &Deriver{provider: p, vectors: v}
}

// FromEvidence derives a canon from the named evidence vector IDs. The
// lookup is always scoped to the caller's org collection.
func (d *Deriver) FromEvidence(ctx context.Context, orgID, projectID string, evidenceIDs []string) (Canon, error) {
	hits, err := d.vectors.Retrieve(ctx, orgID, evidenceIDs)
	if err != nil {
		return Canon{}, err
	}
	return d.extract(ctx, projectID, snippetsFrom(hits))
}

// FromProject derives a canon by sampling the project's stored evidence.
func (d *Deriver) FromProject(ctx context.Context, orgID, projectID string, sample []float32) (Canon, error) {
	hits, err := d.vectors.Search(ctx, orgID, sample, map[string]any{"project_id": projectID}, 5)
	if err != nil {
		return Canon{}, err
	}
	if len(hits) == 0 {
		return Canon{}, apperr.E(apperr.KindValidation, "no evidence stored for project %s", projectID)
	}
	return d.extract(ctx, projectID, snippetsFrom(hits))
}

func (d *Deriver) extract(ctx context.Context, projectID string, snippets []string) (Canon, error) {
	evidence, err := json.Marshal(map[string]any{
		"project_id": projectID,
		"evidence":   snippets,
	})
	if err != nil {
		return Canon{}, fmt.Errorf("encoding evidence context: %w", err)
	}

	res, err := d.provider.Chat(ctx, provider.TaskCanon, []provider.Message{
		{Role: "system", Content: canonSystemPrompt},
		{Role: "user", Content: string(evidence)},
	})
	if err != nil {
		return Canon{}, err
	}

	var c Canon
	if err := provider.DecodeStrictJSON(res.Content, &c); err != nil {
		return Canon{}, apperr.Wrap(apperr.KindValidation, err, "canon extraction returned invalid JSON")
	}
	if c.LogoSafeZonePct == 0 {
		c.LogoSafeZonePct = Default().LogoSafeZonePct
	}
	if err := c.Validate(); err != nil {
		return Canon{}, err
	}
	return c, nil
}

func snippetsFrom(hits []vector.Hit) []string {
	snippets := make([]string, 0, len(hits))
	for _, h := range hits {
		text, _ := h.Payload["text"].(string)
		if text == "" {
			text, _ = h.Payload["asset_ref"].(string)
		}
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500]
		}
		snippets = append(snippets, text)
	}
	return snippets
}
