// Package vector adapts the Qdrant REST API for per-organization evidence
// collections. Every operation is scoped to an org collection; there is no
// unscoped query path.
package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
)

// Dimension is the fixed embedding dimension, set at build time.
const Dimension = 768

const collectionPrefix = "brand_assets_"

// Point is one evidence vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hit is one similarity-search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Store is the Qdrant adapter. Safe for concurrent use.
type Store struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a store for the given Qdrant endpoint.
func New(baseURL, apiKey string) *Store {
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// CollectionFor returns the org's collection name, sanitized to the
// backend's 63-character limit; longer names collapse to a hash.
func CollectionFor(orgID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(orgID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := collectionPrefix + b.String()
	if len(name) > 63 {
		sum := sha256.Sum256([]byte(orgID))
		name = collectionPrefix + hex.EncodeToString(sum[:16])
	}
	return name
}

// EnsureCollection creates the org's collection if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, orgID string) error {
	name := CollectionFor(orgID)

	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	schema := map[string]any{
		"vectors": map[string]any{"size": Dimension, "distance": "Cosine"},
	}
	status, body, err := s.do(ctx, http.MethodPut, "/collections/"+name, schema)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apperr.E(apperr.KindVector, "creating collection %s: status %d: %s", name, status, body)
	}
	return nil
}

// Upsert writes points into the org's collection, creating it on first use.
func (s *Store) Upsert(ctx context.Context, orgID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, orgID); err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != Dimension {
			return apperr.E(apperr.KindVector, "point %s has dimension %d, want %d", p.ID, len(p.Vector), Dimension)
		}
	}

	name := CollectionFor(orgID)
	status, body, err := s.do(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true", map[string]any{"points": points})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apperr.E(apperr.KindVector, "upserting %d points into %s: status %d: %s", len(points), name, status, body)
	}
	return nil
}

// Search runs a cosine similarity query filtered by payload fields.
func (s *Store) Search(ctx context.Context, orgID string, vector []float32, filter map[string]any, limit int) ([]Hit, error) {
	name := CollectionFor(orgID)
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for k, v := range filter {
			must = append(must, map[string]any{
				"key":   k,
				"match": map[string]any{"value": v},
			})
		}
		payload["filter"] = map[string]any{"must": must}
	}

	status, body, err := s.do(ctx, http.MethodPost, "/collections/"+name+"/points/search", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.E(apperr.KindVector, "searching %s: status %d: %s", name, status, body)
	}

	var resp struct {
		Result []Hit `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindVector, err, "decoding search response")
	}
	return resp.Result, nil
}

// Retrieve fetches points by ID from the org's collection.
func (s *Store) Retrieve(ctx context.Context, orgID string, ids []string) ([]Hit, error) {
	name := CollectionFor(orgID)

	status, body, err := s.do(ctx, http.MethodPost, "/collections/"+name+"/points", map[string]any{
		"ids":          ids,
		"with_payload": true,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.E(apperr.KindVector, "retrieving points from %s: status %d: %s", name, status, body)
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindVector, err, "decoding retrieve response")
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{ID: fmt.Sprint(r.ID), Payload: r.Payload})
	}
	return hits, nil
}

// do executes one REST call and returns the status and body.
func (s *Store) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, apperr.Wrap(apperr.KindInternal, err, "marshaling qdrant payload")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindInternal, err, "creating qdrant request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindVector, err, "calling qdrant")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindVector, err, "reading qdrant response")
	}
	return resp.StatusCode, body, nil
}
