package textindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndSearch(t *testing.T) {
	idx := New()

	idx.Add("event/1", "the quick brown fox")
	idx.Add("event/2", "jumped over the lazy dog")
	idx.Add("event/3", "quick brown dogs")
	idx.Add("kv/animal", "fox and dog")

	matches := idx.Search("fox", 10)
	require.Len(t, matches, 2)

	refs := []string{matches[0].Ref, matches[1].Ref}
	assert.Contains(t, refs, "event/1")
	assert.Contains(t, refs, "kv/animal")
	for _, m := range matches {
		assert.Positive(t, m.Score)
	}
}

func TestSearchRanksRarerTermsHigher(t *testing.T) {
	idx := New()

	idx.Add("a", "database engine storage")
	idx.Add("b", "database database database")
	idx.Add("c", "storage layer")

	// "b" repeats the term and is the shortest doc mentioning only it.
	matches := idx.Search("database", 10)
	require.NotEmpty(t, matches)
	assert.Equal(t, "b", matches[0].Ref)
}

func TestSearchTopK(t *testing.T) {
	idx := New()
	idx.Add("a", "alpha term")
	idx.Add("b", "alpha term")
	idx.Add("c", "alpha term")

	matches := idx.Search("alpha", 2)
	require.Len(t, matches, 2)

	// Identical documents tie; insertion order breaks the tie.
	assert.Equal(t, "a", matches[0].Ref)
	assert.Equal(t, "b", matches[1].Ref)
}

func TestSearchCaseInsensitive(t *testing.T) {
	idx := New()
	idx.Add("a", "Hello World")

	matches := idx.Search("hello", 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].Ref)
}

func TestDelete(t *testing.T) {
	idx := New()
	idx.Add("a", "test content")
	idx.Add("b", "other content")

	require.Len(t, idx.Search("test", 10), 1)

	assert.True(t, idx.Delete("a"))
	assert.False(t, idx.Delete("a"))
	assert.Empty(t, idx.Search("test", 10))
	assert.Equal(t, 1, idx.Len())

	// Re-adding restores searchability.
	idx.Add("a", "test content again")
	require.Len(t, idx.Search("test", 10), 1)
}

func TestAddReplacesDocument(t *testing.T) {
	idx := New()
	idx.Add("a", "old words here")
	idx.Add("a", "entirely new text")

	assert.Empty(t, idx.Search("old", 10))
	require.Len(t, idx.Search("new", 10), 1)
	assert.Equal(t, 1, idx.Len())
}

func TestFork(t *testing.T) {
	idx := New()
	idx.Add("a", "shared history")
	idx.Add("b", "more shared text")

	fork := idx.Fork()
	fork.Add("c", "fork only document")
	idx.Delete("a")

	assert.Empty(t, idx.Search("history", 10))
	require.Len(t, fork.Search("history", 10), 1)
	require.Len(t, fork.Search("fork", 10), 1)
	assert.Empty(t, idx.Search("fork", 10))
}

func TestDocsRoundtrip(t *testing.T) {
	idx := New()
	idx.Add("a", "persist me")
	idx.Add("b", "and me too")

	restored := New()
	for ref, text := range idx.Docs() {
		restored.Add(ref, text)
	}

	assert.Equal(t, 2, restored.Len())
	require.Len(t, restored.Search("persist", 10), 1)
}
