// Package canon manages the brand canon: the normalized brand specification
// derived from ingested evidence and enforced on every generation.
package canon

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/cache"
)

var hexColorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Voice captures brand tone guidance.
type Voice struct {
	Tone  string   `json:"tone"`
	Dos   []string `json:"dos,omitempty"`
	Donts []string `json:"donts,omitempty"`
}

// StyleGuidelines captures coarse visual-style switches.
type StyleGuidelines struct {
	PreferMinimal  bool `json:"prefer_minimal"`
	AvoidGradients bool `json:"avoid_gradients"`
	MaxColors      int  `json:"max_colors,omitempty"`
}

// Canon is the brand specification for one project. It is derived from
// evidence, never authoritative on its own.
type Canon struct {
	PaletteHex      []string        `json:"palette_hex"`
	Fonts           []string        `json:"fonts"`
	Voice           Voice           `json:"voice"`
	LogoSafeZonePct float64         `json:"logo_safe_zone_pct"`
	Style           StyleGuidelines `json:"style_guidelines"`
}

// Validate checks the canon's invariants.
func (c *Canon) Validate() error {
	if len(c.PaletteHex) > 12 {
		return apperr.E(apperr.KindValidation, "palette has %d colors, max 12", len(c.PaletteHex))
	}
	for _, h := range c.PaletteHex {
		if !hexColorRe.MatchString(h) {
			return apperr.E(apperr.KindValidation, "invalid palette color %q", h)
		}
	}
	if len(c.Fonts) > 6 {
		return apperr.E(apperr.KindValidation, "canon lists %d fonts, max 6", len(c.Fonts))
	}
	if c.LogoSafeZonePct < 0 || c.LogoSafeZonePct > 40 {
		return apperr.E(apperr.KindValidation, "logo safe zone %.1f%% outside [0, 40]", c.LogoSafeZonePct)
	}
	return nil
}

// Default returns the conservative canon used when no project canon exists
// and derivation is unavailable.
func Default() Canon {
	return Canon{
		PaletteHex:      []string{"#000000", "#FFFFFF"},
		Fonts:           []string{"Inter"},
		Voice:           Voice{Tone: "professional"},
		LogoSafeZonePct: 10,
		Style:           StyleGuidelines{PreferMinimal: true, MaxColors: 4},
	}
}

// Store persists canons per (org, project) with a bounded lifetime.
type Store struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewStore creates a canon store. ttl bounds how long a derived canon is
// trusted before re-derivation (house default 7 days).
func NewStore(c *cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{cache: c, ttl: ttl}
}

func key(orgID, projectID string) string {
	return fmt.Sprintf("canon:%s:%s", orgID, projectID)
}

// Get returns the project's canon; ok is false when none is stored.
func (s *Store) Get(ctx context.Context, orgID, projectID string) (Canon, bool, error) {
	raw, err := s.cache.Get(ctx, key(orgID, projectID))
	if err != nil {
		return Canon{}, false, nil
	}
	var c Canon
	if err := json.Unmarshal(raw, &c); err != nil {
		return Canon{}, false, fmt.Errorf("decoding stored canon: %w", err)
	}
	return c, true, nil
}

// Put validates and stores the canon.
func (s *Store) Put(ctx context.Context, orgID, projectID string, c Canon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding canon: %w", err)
	}
	if err := s.cache.Set(ctx, key(orgID, projectID), raw, s.ttl); err != nil {
		return apperr.Wrap(apperr.KindCache, err, "storing canon for %s", projectID)
	}
	return nil
}

// GetOrDerive returns the stored canon or derives one via the factory,
// caching the result.
func (s *Store) GetOrDerive(ctx context.Context, orgID, projectID string, derive func(ctx context.Context) (Canon, error)) (Canon, error) {
	raw, err := s.cache.GetOrCompute(ctx, key(orgID, projectID), s.ttl, func(ctx context.Context) (any, error) {
		return derive(ctx)
	})
	if err != nil {
		return Canon{}, err
	}
	var c Canon
	if err := json.Unmarshal(raw, &c); err != nil {
		return Canon{}, fmt.Errorf("decoding derived canon: %w", err)
	}
	return c, nil
}
