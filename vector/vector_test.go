package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/metadata"
	"github.com/hupe1980/strata/version"
)

func newTestIndex() *Index {
	var counter version.Counter
	var ts uint64

	return New(counter.Next, func() uint64 {
		ts++
		return ts
	})
}

func TestCreateCollection(t *testing.T) {
	x := newTestIndex()

	ver, err := x.CreateCollection("embeddings", 4, distance.MetricCosine)
	require.NoError(t, err)
	assert.NotZero(t, ver)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := x.CreateCollection("embeddings", 8, distance.MetricCosine)
		var exists *ErrCollectionExists
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, "embeddings", exists.Name)
	})

	t.Run("invalid dimension", func(t *testing.T) {
		_, err := x.CreateCollection("bad", 0, distance.MetricCosine)
		var invalid *ErrInvalidDimension
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("unknown metric", func(t *testing.T) {
		_, err := x.CreateCollection("bad", 4, distance.Metric("manhattan"))
		require.Error(t, err)
	})

	infos := x.ListCollections()
	require.Len(t, infos, 1)
	assert.Equal(t, "embeddings", infos[0].Name)
	assert.Equal(t, 4, infos[0].Dimension)
	assert.Equal(t, "flat", infos[0].IndexType)
}

func TestUpsertGetDelete(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)

	v1, err := x.Upsert("docs", "a", []float32{1, 0}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)

	v2, err := x.Upsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	entry, ok, err := x.Get("docs", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, entry.Vector)
	assert.Nil(t, entry.Meta)

	existed, err := x.Delete("docs", "a")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err = x.Get("docs", "a", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = x.Delete("docs", "a")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestUpsertValidation(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 3, distance.MetricCosine)
	require.NoError(t, err)

	t.Run("unknown collection", func(t *testing.T) {
		_, err := x.Upsert("missing", "a", []float32{1, 0, 0}, nil)
		var notFound *ErrCollectionNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("non-finite component", func(t *testing.T) {
		_, err := x.Upsert("docs", "a", []float32{1, float32(math.NaN()), 0}, nil)
		var nonFinite *ErrNonFiniteComponent
		require.ErrorAs(t, err, &nonFinite)
		assert.Equal(t, 1, nonFinite.Index)

		// Failed validation must not create the entry.
		_, ok, err := x.Get("docs", "a", 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := x.Upsert("docs", "a", []float32{1, 0}, nil)
		var mismatch *ErrDimensionMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 3, mismatch.Expected)
		assert.Equal(t, 2, mismatch.Actual)
	})
}

func TestBatchUpsertAllOrNothing(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)

	_, err = x.BatchUpsert("docs",
		[]string{"a", "b"},
		[][]float32{{1, 0}, {1, 0, 0}},
		nil,
	)
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)

	// The valid first entry must not have been written.
	_, ok, err := x.Get("docs", "a", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	versions, err := x.BatchUpsert("docs",
		[]string{"a", "b"},
		[][]float32{{1, 0}, {0, 1}},
		[]metadata.Document{{"n": metadata.Int(1)}, {"n": metadata.Int(2)}},
	)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Greater(t, versions[1], versions[0])

	info, err := x.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)
}

func TestSearchRanking(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("embeddings", 4, distance.MetricCosine)
	require.NoError(t, err)

	vectors := map[string][]float32{
		"north": {1, 0, 0, 0},
		"east":  {0, 1, 0, 0},
		"mixed": {0.7, 0.7, 0, 0},
	}
	for key, vec := range vectors {
		_, err := x.Upsert("embeddings", key, vec, nil)
		require.NoError(t, err)
	}

	matches, err := x.Search("embeddings", []float32{1, 0, 0, 0}, 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 3)

	// An identical vector is its own nearest neighbor under cosine.
	assert.Equal(t, "north", matches[0].Key)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, "mixed", matches[1].Key)
	assert.Equal(t, "east", matches[2].Key)

	t.Run("k bounds result size", func(t *testing.T) {
		matches, err := x.Search("embeddings", []float32{1, 0, 0, 0}, 1, SearchOptions{})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "north", matches[0].Key)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := x.Search("embeddings", []float32{1, 0, 0, 0}, 0, SearchOptions{})
		var invalid *ErrInvalidK
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("query dimension checked", func(t *testing.T) {
		_, err := x.Search("embeddings", []float32{1, 0}, 3, SearchOptions{})
		var mismatch *ErrDimensionMismatch
		require.ErrorAs(t, err, &mismatch)
	})
}

func TestSearchTieBreakInsertionOrder(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricDot)
	require.NoError(t, err)

	// All candidates score identically against the query vector.
	for _, key := range []string{"first", "second", "third"} {
		_, err := x.Upsert("docs", key, []float32{1, 1}, nil)
		require.NoError(t, err)
	}

	matches, err := x.Search("docs", []float32{1, 1}, 3, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "first", matches[0].Key)
	assert.Equal(t, "second", matches[1].Key)
	assert.Equal(t, "third", matches[2].Key)
}

func TestSearchEuclideanNormalization(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricEuclidean)
	require.NoError(t, err)

	_, err = x.Upsert("docs", "same", []float32{3, 4}, nil)
	require.NoError(t, err)
	_, err = x.Upsert("docs", "far", []float32{0, 0}, nil)
	require.NoError(t, err)

	matches, err := x.Search("docs", []float32{3, 4}, 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Identical vector scores exactly 1 under the euclidean mapping; scores
	// stay higher-is-better.
	assert.Equal(t, "same", matches[0].Key)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Less(t, matches[1].Score, matches[0].Score)
}

func TestSearchAsOf(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)

	_, err = x.Upsert("docs", "a", []float32{1, 0}, nil)
	require.NoError(t, err)

	entry, ok, err := x.Get("docs", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	tsBefore := entry.Timestamp

	_, err = x.Upsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)
	_, err = x.Upsert("docs", "b", []float32{0, 1}, nil)
	require.NoError(t, err)

	matches, err := x.Search("docs", []float32{1, 0}, 10, SearchOptions{AsOf: tsBefore})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].Key)
	assert.Equal(t, []float32{1, 0}, matches[0].Vector)

	matches, err = x.Search("docs", []float32{0, 1}, 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestSearchFiltered(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)

	_, err = x.Upsert("docs", "go1", []float32{1, 0}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)
	_, err = x.Upsert("docs", "rs1", []float32{1, 0}, metadata.Document{"lang": metadata.String("rust")})
	require.NoError(t, err)
	_, err = x.Upsert("docs", "go2", []float32{0, 1}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)

	fs := metadata.NewFilterSet(metadata.Eq("lang", metadata.String("go")))

	matches, err := x.Search("docs", []float32{1, 0}, 10, SearchOptions{Filters: fs})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "go1", matches[0].Key)
	assert.Equal(t, "go2", matches[1].Key)

	t.Run("filter applies to historical metadata on as-of search", func(t *testing.T) {
		entry, ok, err := x.Get("docs", "rs1", 0)
		require.NoError(t, err)
		require.True(t, ok)
		cutoff := entry.Timestamp

		// Retag rs1 after the cutoff; the as-of search must still see rust.
		_, err = x.Upsert("docs", "rs1", []float32{1, 0}, metadata.Document{"lang": metadata.String("go")})
		require.NoError(t, err)

		rust := metadata.NewFilterSet(metadata.Eq("lang", metadata.String("rust")))
		matches, err := x.Search("docs", []float32{1, 0}, 10, SearchOptions{AsOf: cutoff, Filters: rust})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "rs1", matches[0].Key)
	})
}

func TestDeleteCollection(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)

	assert.True(t, x.DeleteCollection("docs"))
	assert.False(t, x.DeleteCollection("docs"))

	_, err = x.Upsert("docs", "a", []float32{1, 0}, nil)
	var notFound *ErrCollectionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestForkIsolation(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)
	_, err = x.Upsert("docs", "a", []float32{1, 0}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)

	var counter version.Counter
	counter.Observe(100)
	var ts uint64 = 1000
	fork := x.Fork(counter.Next, func() uint64 { ts++; return ts })

	// The fork sees pre-fork state.
	entry, ok, err := fork.Get("docs", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, entry.Vector)

	// Writes on either side stay invisible to the other.
	_, err = fork.Upsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)
	_, err = x.Upsert("docs", "b", []float32{0, 1}, nil)
	require.NoError(t, err)

	entry, _, err = x.Get("docs", "a", 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, entry.Vector)

	_, ok, err = fork.Get("docs", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Filtered search on the fork uses its own rebuilt metadata index.
	fs := metadata.NewFilterSet(metadata.Eq("lang", metadata.String("go")))
	matches, err := fork.Search("docs", []float32{0, 1}, 10, SearchOptions{Filters: fs})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSerializableRoundtrip(t *testing.T) {
	x := newTestIndex()
	_, err := x.CreateCollection("docs", 2, distance.MetricEuclidean)
	require.NoError(t, err)
	_, err = x.Upsert("docs", "a", []float32{1, 0}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)
	_, err = x.Upsert("docs", "a", []float32{0, 1}, metadata.Document{"lang": metadata.String("go")})
	require.NoError(t, err)
	_, err = x.Upsert("docs", "b", []float32{1, 1}, nil)
	require.NoError(t, err)

	entry, _, err := x.Get("docs", "a", 0)
	require.NoError(t, err)
	tsMid := entry.Timestamp - 1

	restored := newTestIndex()
	require.NoError(t, restored.FromSerializable(x.ToSerializable()))

	info, err := restored.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)
	assert.Equal(t, distance.MetricEuclidean, info.Metric)

	// Full history survives: the as-of read resolves the older version.
	old, ok, err := restored.Get("docs", "a", tsMid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, old.Vector)

	// The rebuilt metadata index serves filtered searches.
	fs := metadata.NewFilterSet(metadata.Eq("lang", metadata.String("go")))
	matches, err := restored.Search("docs", []float32{0, 1}, 10, SearchOptions{Filters: fs})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].Key)
}

func TestApplyPreservesRecordedVersions(t *testing.T) {
	x := newTestIndex()
	x.ApplyCreateCollection(CollectionInfo{
		Name: "docs", Dimension: 2, Metric: distance.MetricCosine, IndexType: "flat",
		Version: 7, Timestamp: 40,
	})

	require.NoError(t, x.Apply("docs", "a", version.Record[Record]{
		Value:  Record{Vector: []float32{1, 0}},
		Number: 8, Timestamp: 41,
	}))
	require.NoError(t, x.Apply("docs", "a", version.Record[Record]{
		Number: 9, Timestamp: 42, Tombstone: true,
	}))

	entry, ok, err := x.Get("docs", "a", 41)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(8), entry.Version)
	assert.Equal(t, uint64(41), entry.Timestamp)

	_, ok, err = x.Get("docs", "a", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}
