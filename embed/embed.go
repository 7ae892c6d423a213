// Package embed defines the embedding hook used by auto-embedding text
// search, plus a deterministic feature-hashing embedder that works without
// any external model.
package embed

import (
	"hash/fnv"
	"strings"

	"github.com/hupe1980/strata/distance"
)

// Embedder turns text into a fixed-dimension vector. Implementations must be
// deterministic for the engine's semantic search to be reproducible.
type Embedder interface {
	Embed(text string) []float32
	Dimension() int
}

// FeatureHash is a model-free embedder: it hashes lowercase tokens into a
// fixed number of buckets and L2-normalizes the counts. Texts sharing words
// land near each other under cosine similarity.
type FeatureHash struct {
	dim int
}

// NewFeatureHash creates a FeatureHash embedder. Non-positive dimensions
// fall back to 64.
func NewFeatureHash(dim int) *FeatureHash {
	if dim <= 0 {
		dim = 64
	}
	return &FeatureHash{dim: dim}
}

// Dimension returns the embedding width.
func (f *FeatureHash) Dimension() int {
	return f.dim
}

// Embed hashes each token into a bucket and normalizes the resulting counts.
// The zero vector is returned for empty text.
func (f *FeatureHash) Embed(text string) []float32 {
	out := make([]float32, f.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		out[h.Sum32()%uint32(f.dim)]++
	}
	if normalized, ok := distance.NormalizeL2(out); ok {
		return normalized
	}
	return out
}
