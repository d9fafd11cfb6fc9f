// Package ingest takes evidence assets through security scanning,
// quarantine promotion, parsing, embedding, and vector indexing, and
// triggers brand-canon derivation once enough evidence exists.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/cache"
	"github.com/wisbric/brandowl/pkg/canon"
	"github.com/wisbric/brandowl/pkg/scan"
	"github.com/wisbric/brandowl/pkg/storage"
	"github.com/wisbric/brandowl/pkg/trace"
	"github.com/wisbric/brandowl/pkg/vector"
)

// maxAssetBytes bounds a fetched or read evidence asset.
const maxAssetBytes = 25 << 20

// assetConcurrency bounds per-request fan-out over assets.
const assetConcurrency = 4

// canonEvidenceSample is how many vectors seed canon derivation.
const canonEvidenceSample = 5

// Result summarizes one ingest run.
type Result struct {
	Processed int      `json:"processed"`
	VectorIDs []string `json:"vector_ids"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Pipeline executes ingest requests. Safe for concurrent use.
type Pipeline struct {
	scanner       *scan.Scanner
	store         *storage.Store
	vectors       *vector.Store
	cache         *cache.Cache
	canons        *canon.Store
	deriver       *canon.Deriver
	logger        *slog.Logger
	allowHost     func(host string) bool
	httpClient    *http.Client
	embedCacheTTL int
}

// NewPipeline wires the ingest pipeline.
func NewPipeline(
	scanner *scan.Scanner,
	store *storage.Store,
	vectors *vector.Store,
	c *cache.Cache,
	canons *canon.Store,
	deriver *canon.Deriver,
	logger *slog.Logger,
	allowHost func(host string) bool,
	embedCacheTTL int,
) *Pipeline {
	if embedCacheTTL <= 0 {
		embedCacheTTL = 7 * 24 * 3600
	}
	client := &http.Client{
		Timeout: 30 * time.Second,
		// Redirects may not escape the allowlist.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to non-https URL %s", req.URL)
			}
			if allowHost != nil && !allowHost(req.URL.Hostname()) {
				return fmt.Errorf("redirect to non-allowlisted host %s", req.URL.Hostname())
			}
			return nil
		},
	}
	return &Pipeline{
		scanner:       scanner,
		store:         store,
		vectors:       vectors,
		cache:         c,
		canons:        canons,
		deriver:       deriver,
		logger:        logger,
		allowHost:     allowHost,
		httpClient:    client,
		embedCacheTTL: embedCacheTTL,
	}
}

// Run ingests the given asset references (storage keys or https URLs) for a
// project. Unsafe assets abort the whole request with a typed security
// error; unreadable ones are skipped and reported.
func (p *Pipeline) Run(ctx context.Context, t *trace.Trace, orgID, projectID string, assets []string) (*Result, error) {
	end := t.StartSpan("ensure_collection", nil)
	err := p.vectors.EnsureCollection(ctx, orgID)
	end(err)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		id      string
		point   vector.Point
		skipped string
	}

	results := make([]indexed, len(assets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(assetConcurrency)
	for i, assetRef := range assets {
		g.Go(func() error {
			point, err := p.processAsset(gctx, t, orgID, projectID, assetRef)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Security refusals stop everything; transport errors skip
				// the one asset.
				if apperr.Is(err, apperr.KindSecurityThreat) || apperr.Is(err, apperr.KindContentPolicy) {
					return err
				}
				p.logger.Warn("skipping unreadable asset", "asset", assetRef, "error", err)
				results[i] = indexed{skipped: assetRef}
				return nil
			}
			results[i] = indexed{id: point.ID, point: *point}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	points := make([]vector.Point, 0, len(results))
	res := &Result{}
	for _, r := range results {
		if r.skipped != "" {
			res.Skipped = append(res.Skipped, r.skipped)
			continue
		}
		points = append(points, r.point)
		res.VectorIDs = append(res.VectorIDs, r.id)
	}
	res.Processed = len(points)

	if len(points) > 0 {
		end = t.StartSpan("vector_upsert", map[string]any{"points": len(points)})
		err = p.vectors.Upsert(ctx, orgID, points)
		end(err)
		if err != nil {
			return nil, err
		}
	}

	// With two or more assets indexed we have enough signal to derive a
	// canon; failures here never fail the ingest.
	if len(res.VectorIDs) >= 2 {
		end = t.StartSpan("canon_derive", nil)
		p.deriveCanon(ctx, orgID, projectID, res.VectorIDs)
		end(nil)
	}

	return res, nil
}

// processAsset materializes, scans, promotes, parses, and embeds one asset.
func (p *Pipeline) processAsset(ctx context.Context, t *trace.Trace, orgID, projectID, assetRef string) (*vector.Point, error) {
	content, fromQuarantine, err := p.materialize(ctx, orgID, assetRef)
	if err != nil {
		return nil, err
	}

	scanRes := p.scanner.Scan(content, "", path.Base(assetRef))
	if !scanRes.Safe {
		threatKey := scan.QuarantineThreatKey(scanRes.SHA256)
		if err := p.store.Put(ctx, threatKey, content, "application/octet-stream"); err != nil {
			p.logger.Error("storing threat bytes", "key", threatKey, "error", err)
		}
		return nil, apperr.E(apperr.KindSecurityThreat, "asset %s failed security scan: %s", assetRef, strings.Join(scanRes.Threats, "; ")).
			WithField("quarantine_ref", threatKey).
			WithField("threats", scanRes.Threats)
	}
	content = scanRes.Content // EXIF-stripped when applicable

	storedRef := assetRef
	if fromQuarantine {
		publicKey, err := p.store.Promote(ctx, assetRef)
		if err != nil {
			return nil, err
		}
		storedRef = publicKey
	}

	text := p.parseText(content, scanRes.ActualMIME, storedRef)

	vec, err := p.embedCached(ctx, text)
	if err != nil {
		return nil, err
	}

	if len(text) > 1000 {
		text = text[:1000]
	}
	return &vector.Point{
		ID:     uuid.New().String(),
		Vector: vec,
		Payload: map[string]any{
			"project_id": projectID,
			"org_id":     orgID,
			"asset_ref":  storedRef,
			"text":       text,
			"type":       scanRes.ActualMIME,
		},
	}, nil
}

// materialize reads asset bytes from storage or an allowlisted https URL.
func (p *Pipeline) materialize(ctx context.Context, orgID, assetRef string) (content []byte, fromQuarantine bool, err error) {
	if strings.HasPrefix(assetRef, "org/") || strings.HasPrefix(assetRef, "quarantine/") || strings.HasPrefix(assetRef, "public/") {
		// Storage keys must stay inside the caller's org prefix.
		if strings.HasPrefix(assetRef, "org/") && !strings.HasPrefix(assetRef, "org/"+orgID+"/") {
			return nil, false, apperr.E(apperr.KindForbidden, "asset key %s belongs to another org", assetRef)
		}
		data, err := p.store.Get(ctx, assetRef)
		if err != nil {
			return nil, false, err
		}
		return data, strings.Contains(assetRef, "quarantine/"), nil
	}

	u, err := url.Parse(assetRef)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, false, apperr.E(apperr.KindContentPolicy, "asset %q is neither a storage key nor an https URL", assetRef)
	}
	if p.allowHost == nil || !p.allowHost(u.Hostname()) {
		return nil, false, apperr.E(apperr.KindContentPolicy, "host %q is not allowlisted", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetRef, nil)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, err, "creating fetch request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStorage, err, "fetching %s", assetRef)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, apperr.E(apperr.KindStorage, "fetching %s: status %d", assetRef, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStorage, err, "reading %s", assetRef)
	}
	if len(data) > maxAssetBytes {
		return nil, false, apperr.E(apperr.KindTooLarge, "asset %s exceeds the %d byte limit", assetRef, maxAssetBytes)
	}
	return data, false, nil
}

// parseText extracts text blocks from an asset. Text-like content is used
// directly; binary assets fall back to a filename-derived description.
func (p *Pipeline) parseText(content []byte, mime, assetRef string) string {
	switch {
	case strings.HasPrefix(mime, "text/"):
		return string(content)
	default:
		base := path.Base(assetRef)
		name := strings.TrimSuffix(base, path.Ext(base))
		name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
		return fmt.Sprintf("%s asset: %s", mime, name)
	}
}

// deriveCanon derives the project canon from the first evidence vectors when
// none is cached; an already cached canon is kept as it is.
func (p *Pipeline) deriveCanon(ctx context.Context, orgID, projectID string, vectorIDs []string) {
	sample := vectorIDs
	if len(sample) > canonEvidenceSample {
		sample = sample[:canonEvidenceSample]
	}

	derived, err := p.canons.GetOrDerive(ctx, orgID, projectID, func(ctx context.Context) (canon.Canon, error) {
		return p.deriver.FromEvidence(ctx, orgID, projectID, sample)
	})
	if err != nil {
		p.logger.Warn("canon derivation failed", "project_id", projectID, "error", err)
		return
	}
	p.logger.Info("canon derived from evidence",
		"project_id", projectID,
		"palette_colors", len(derived.PaletteHex),
		"fonts", len(derived.Fonts),
	)
}
