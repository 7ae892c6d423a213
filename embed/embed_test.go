package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/distance"
)

func TestFeatureHashDeterministic(t *testing.T) {
	e := NewFeatureHash(64)
	assert.Equal(t, 64, e.Dimension())

	a := e.Embed("quick brown fox")
	b := e.Embed("quick brown fox")
	assert.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFeatureHashSimilarity(t *testing.T) {
	e := NewFeatureHash(64)

	base := e.Embed("versioned key value store")
	near := e.Embed("versioned value store")
	far := e.Embed("orbital mechanics textbook")

	assert.Greater(t, distance.Cosine(base, near), distance.Cosine(base, far))
	assert.InDelta(t, 1.0, distance.Cosine(base, base), 1e-6)
}

func TestFeatureHashEmptyText(t *testing.T) {
	e := NewFeatureHash(8)
	v := e.Embed("")
	require.Len(t, v, 8)
	for _, c := range v {
		assert.Zero(t, c)
	}
}

func TestFeatureHashDefaultDimension(t *testing.T) {
	assert.Equal(t, 64, NewFeatureHash(0).Dimension())
}
