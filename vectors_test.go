package strata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorCollections(t *testing.T) {
	e := newTestEngine(t)

	ver, err := e.VectorCreateCollection("docs", 3, "")
	require.NoError(t, err)
	assert.NotZero(t, ver)

	_, err = e.VectorCreateCollection("docs", 3, "cosine")
	assert.Equal(t, KindState, KindOf(err))

	_, err = e.VectorCreateCollection("bad", 0, "")
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = e.VectorCreateCollection("bad", 3, "manhattan")
	assert.Equal(t, KindValidation, KindOf(err))

	infos, err := e.VectorListCollections()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "docs", infos[0].Name)
	assert.Equal(t, 3, infos[0].Dimension)

	stats, err := e.VectorStats("docs")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)

	existed, err := e.VectorDeleteCollection("docs")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = e.VectorStats("docs")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestVectorUpsertGetDelete(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.VectorCreateCollection("docs", 2, "")
	require.NoError(t, err)

	v1, err := e.VectorUpsert("docs", "a", []float32{1, 0}, map[string]any{"lang": "go"})
	require.NoError(t, err)
	assert.NotZero(t, v1)

	data, ok, err := e.VectorGet("docs", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, data.Vector)
	assert.Equal(t, map[string]any{"lang": "go"}, data.Metadata)
	assert.Equal(t, v1, data.Version)

	// Upsert replaces in place under a new version.
	v2, err := e.VectorUpsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = e.VectorUpsert("docs", "bad", []float32{1, 2, 3}, nil)
	assert.Equal(t, KindConstraint, KindOf(err))

	_, err = e.VectorUpsert("nope", "a", []float32{1, 0}, nil)
	assert.Equal(t, KindNotFound, KindOf(err))

	existed, err := e.VectorDelete("docs", "a")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err = e.VectorGet("docs", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = e.VectorDelete("docs", "a")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestVectorBatchUpsert(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.VectorCreateCollection("docs", 2, "")
	require.NoError(t, err)

	vers, err := e.VectorBatchUpsert("docs", []VectorEntry{
		{Key: "a", Vector: []float32{1, 0}},
		{Key: "b", Vector: []float32{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, vers, 2)
	assert.Less(t, vers[0], vers[1])

	stats, err := e.VectorStats("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
}

func TestVectorSearch(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.VectorCreateCollection("docs", 2, "cosine")
	require.NoError(t, err)

	_, err = e.VectorBatchUpsert("docs", []VectorEntry{
		{Key: "x", Vector: []float32{1, 0}, Metadata: map[string]any{"lang": "go"}},
		{Key: "y", Vector: []float32{0, 1}, Metadata: map[string]any{"lang": "rust"}},
		{Key: "xy", Vector: []float32{1, 1}, Metadata: map[string]any{"lang": "go"}},
	})
	require.NoError(t, err)

	matches, err := e.VectorSearch("docs", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "x", matches[0].Key)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, "xy", matches[1].Key)

	_, err = e.VectorSearch("docs", []float32{1, 0}, 0)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = e.VectorSearch("docs", []float32{1, 0, 0}, 1)
	assert.Equal(t, KindConstraint, KindOf(err))

	_, err = e.VectorSearch("nope", []float32{1, 0}, 1)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestVectorSearchFiltered(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.VectorCreateCollection("docs", 2, "cosine")
	require.NoError(t, err)

	_, err = e.VectorBatchUpsert("docs", []VectorEntry{
		{Key: "x", Vector: []float32{1, 0}, Metadata: map[string]any{"lang": "go", "stars": 10}},
		{Key: "y", Vector: []float32{1, 0.1}, Metadata: map[string]any{"lang": "rust", "stars": 50}},
	})
	require.NoError(t, err)

	matches, err := e.VectorSearchFiltered("docs", []float32{1, 0}, 5, []Filter{
		{Key: "lang", Op: "eq", Value: "rust"},
	}, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "y", matches[0].Key)

	matches, err = e.VectorSearchFiltered("docs", []float32{1, 0}, 5, []Filter{
		{Key: "stars", Op: "gt", Value: 20},
	}, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "y", matches[0].Key)

	// An alternate metric overrides the collection default per query.
	matches, err = e.VectorSearchFiltered("docs", []float32{1, 0}, 5, nil, "euclidean")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "x", matches[0].Key)

	_, err = e.VectorSearchFiltered("docs", []float32{1, 0}, 5, []Filter{
		{Key: "lang", Op: "resembles", Value: "go"},
	}, "")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestVectorAsOf(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.VectorCreateCollection("docs", 2, "")
	require.NoError(t, err)

	_, err = e.VectorUpsert("docs", "a", []float32{1, 0}, nil)
	require.NoError(t, err)
	time.Sleep(3 * time.Millisecond)
	cut := time.Now()
	time.Sleep(3 * time.Millisecond)
	_, err = e.VectorUpsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)

	data, ok, err := e.VectorGet("docs", "a", AsOf(cut))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, data.Vector)

	matches, err := e.VectorSearch("docs", []float32{1, 0}, 1, AsOf(cut))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}
