package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/wisbric/brandowl/pkg/cache"
	"github.com/wisbric/brandowl/pkg/vector"
)

// embedText produces a deterministic local embedding via a hashed
// bag-of-words, L2-normalized. Deterministic inputs keep cache
// double-computes equivalent by construction.
func embedText(text string) []float32 {
	vec := make([]float32, vector.Dimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec
	}

	for _, t := range tokens {
		sum := sha1.Sum([]byte(t))
		n := new(big.Int).SetBytes(sum[:])
		idx := int(new(big.Int).Mod(n, big.NewInt(vector.Dimension)).Int64())
		vec[idx]++
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// embedCached returns the embedding for text, cached by its content hash.
func (p *Pipeline) embedCached(ctx context.Context, text string) ([]float32, error) {
	key := cache.Key("embed", text)
	raw, err := p.cache.GetOrCompute(ctx, key, time.Duration(p.embedCacheTTL)*time.Second, func(ctx context.Context) (any, error) {
		return embedText(text), nil
	})
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
