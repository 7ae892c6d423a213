package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/distance"
)

func newTestManager() (*Manager, *uint64) {
	var ts uint64
	return NewManager(func() uint64 {
		ts++
		return ts
	}), &ts
}

func TestManagerDefaults(t *testing.T) {
	m, _ := newTestManager()

	b, err := m.Get(DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, b.Info().Name)
	assert.Equal(t, StatusActive, b.Info().Status)
	assert.NotEmpty(t, b.Info().ID)

	_, ok := b.Space(DefaultSpace)
	assert.True(t, ok)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, DefaultBranch, infos[0].Name)
}

func TestCreateBranch(t *testing.T) {
	m, _ := newTestManager()

	b, err := m.Create("feature")
	require.NoError(t, err)
	assert.Empty(t, b.Info().ParentName)

	_, err = m.Create("feature")
	var exists *ErrBranchExists
	require.ErrorAs(t, err, &exists)

	_, err = m.Get("missing")
	var notFound *ErrBranchNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteBranchIsTerminal(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create("feature")
	require.NoError(t, err)

	require.NoError(t, m.Delete("feature"))

	var deleted *ErrBranchDeleted
	_, err = m.Get("feature")
	require.ErrorAs(t, err, &deleted)

	err = m.Delete("feature")
	require.ErrorAs(t, err, &deleted)

	// The name stays taken and the branch stays out of listings.
	_, err = m.Create("feature")
	var exists *ErrBranchExists
	require.ErrorAs(t, err, &exists)
	require.Len(t, m.List(), 1)

	t.Run("default branch protected", func(t *testing.T) {
		var protected *ErrBranchProtected
		require.ErrorAs(t, m.Delete(DefaultBranch), &protected)
	})
}

func TestSpaces(t *testing.T) {
	m, _ := newTestManager()
	b, err := m.Get(DefaultBranch)
	require.NoError(t, err)

	_, ok := b.Space("scratch")
	assert.False(t, ok)

	// Implicit creation on first use.
	s := b.EnsureSpace("scratch")
	require.NotNil(t, s)
	_, ok = b.Space("scratch")
	assert.True(t, ok)

	require.NoError(t, b.CreateSpace("staging"))
	var exists *ErrSpaceExists
	require.ErrorAs(t, b.CreateSpace("staging"), &exists)

	assert.Equal(t, []string{"default", "scratch", "staging"}, b.ListSpaces())

	t.Run("non-empty delete needs force", func(t *testing.T) {
		s.KV.Put("k", "v")

		var notEmpty *ErrSpaceNotEmpty
		require.ErrorAs(t, b.DeleteSpace("scratch", false), &notEmpty)

		require.NoError(t, b.DeleteSpace("scratch", true))
		_, ok := b.Space("scratch")
		assert.False(t, ok)
	})

	t.Run("default space protected", func(t *testing.T) {
		var protected *ErrSpaceProtected
		require.ErrorAs(t, b.DeleteSpace(DefaultSpace, false), &protected)
	})

	t.Run("missing space", func(t *testing.T) {
		var notFound *ErrSpaceNotFound
		require.ErrorAs(t, b.DeleteSpace("nope", false), &notFound)
	})
}

func TestForkIsolation(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)

	s, _ := main.Space(DefaultSpace)
	s.KV.Put("shared", "v1")
	main.Events().Append(DefaultSpace, "created", "payload")

	fork, copied, err := m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	assert.Equal(t, 2, copied) // one KV key + one event
	assert.Equal(t, DefaultBranch, fork.Info().ParentName)
	assert.NotZero(t, fork.Info().ForkTimestamp)

	// The fork sees pre-fork state.
	fs, _ := fork.Space(DefaultSpace)
	v, _, ok := fs.KV.Get("shared", 0)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, fork.Events().Size())

	// Writes after the fork stay on their side.
	s.KV.Put("main-only", 1)
	fs.KV.Put("fork-only", 2)
	fs.KV.Put("shared", "v2")

	_, _, ok = fs.KV.Get("main-only", 0)
	assert.False(t, ok)
	_, _, ok = s.KV.Get("fork-only", 0)
	assert.False(t, ok)

	v, _, ok = s.KV.Get("shared", 0)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	t.Run("fork version numbers continue past parent", func(t *testing.T) {
		parentRec := s.KV.Put("bump", true)
		childRec := fs.KV.Put("shared", "v3")
		assert.NotEqual(t, parentRec.Number, childRec.Number)
		assert.Greater(t, childRec.Number, uint64(0))
	})

	t.Run("fork name taken", func(t *testing.T) {
		_, _, err := m.Fork(context.Background(), DefaultBranch, "feature")
		var exists *ErrBranchExists
		require.ErrorAs(t, err, &exists)
	})

	t.Run("fork of missing branch", func(t *testing.T) {
		_, _, err := m.Fork(context.Background(), "missing", "x")
		var notFound *ErrBranchNotFound
		require.ErrorAs(t, err, &notFound)
	})
}

func TestDiff(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)

	s, _ := main.Space(DefaultSpace)
	s.KV.Put("stay", "same")
	s.KV.Put("change", "before")
	s.KV.Put("remove", "soon")

	fork, _, err := m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	fs, _ := fork.Space(DefaultSpace)

	fs.KV.Put("change", "after")
	fs.KV.Delete("remove")
	fs.KV.Put("add", "new")
	fs.Cells.Put("counter", 1)

	diff, err := m.Diff(DefaultBranch, "feature")
	require.NoError(t, err)

	assert.Equal(t, []DiffEntry{
		{Space: "default", Primitive: PrimitiveCell, Key: "counter"},
		{Space: "default", Primitive: PrimitiveKV, Key: "add"},
	}, diff.Added)
	assert.Equal(t, []DiffEntry{
		{Space: "default", Primitive: PrimitiveKV, Key: "remove"},
	}, diff.Removed)
	assert.Equal(t, []DiffEntry{
		{Space: "default", Primitive: PrimitiveKV, Key: "change"},
	}, diff.Modified)
}

func TestDiffVectors(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)

	s, _ := main.Space(DefaultSpace)
	_, err = s.Vectors.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)
	_, err = s.Vectors.Upsert("docs", "a", []float32{1, 0}, nil)
	require.NoError(t, err)

	fork, _, err := m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	fs, _ := fork.Space(DefaultSpace)
	_, err = fs.Vectors.Upsert("docs", "a", []float32{0, 1}, nil)
	require.NoError(t, err)

	diff, err := m.Diff(DefaultBranch, "feature")
	require.NoError(t, err)
	assert.Equal(t, []DiffEntry{
		{Space: "default", Primitive: PrimitiveVector, Key: "docs/a"},
	}, diff.Modified)
	assert.Empty(t, diff.Added)
}

func TestMergeFastForward(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)
	s, _ := main.Space(DefaultSpace)
	s.KV.Put("base", "v1")

	_, _, err = m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	fork, err := m.Get("feature")
	require.NoError(t, err)
	fs, _ := fork.Space(DefaultSpace)

	fs.KV.Put("base", "v2")
	fs.KV.Put("extra", "new")
	fs.KV.Put("gone", "x")
	fs.KV.Delete("gone")

	result, err := m.Merge("feature", DefaultBranch, StrategyLWW)
	require.NoError(t, err)
	assert.Equal(t, 2, result.KeysApplied) // base + extra; gone never existed on main
	assert.Equal(t, []string{"default"}, result.SpacesTouched)
	assert.Empty(t, result.Conflicts)

	v, _, ok := s.KV.Get("base", 0)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	v, _, ok = s.KV.Get("extra", 0)
	require.True(t, ok)
	assert.Equal(t, "new", v)

	t.Run("pre-fork keys are not re-applied", func(t *testing.T) {
		result, err := m.Merge("feature", DefaultBranch, StrategyLWW)
		require.NoError(t, err)
		// Nothing changed on the source since; base/extra timestamps still
		// postdate the fork, but LWW now compares against the merged copies.
		assert.Empty(t, result.Conflicts)
	})
}

func TestMergeConflicts(t *testing.T) {
	setup := func(t *testing.T) (*Manager, *Space, *Space) {
		t.Helper()
		m, _ := newTestManager()
		main, err := m.Get(DefaultBranch)
		require.NoError(t, err)
		s, _ := main.Space(DefaultSpace)
		s.KV.Put("k", "base")

		_, _, err = m.Fork(context.Background(), DefaultBranch, "feature")
		require.NoError(t, err)
		fork, err := m.Get("feature")
		require.NoError(t, err)
		fs, _ := fork.Space(DefaultSpace)
		return m, s, fs
	}

	t.Run("manual reports and skips", func(t *testing.T) {
		m, s, fs := setup(t)
		fs.KV.Put("k", "fork")
		s.KV.Put("k", "main")

		result, err := m.Merge("feature", DefaultBranch, StrategyManual)
		require.NoError(t, err)
		assert.Zero(t, result.KeysApplied)
		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, DiffEntry{Space: "default", Primitive: PrimitiveKV, Key: "k"}, result.Conflicts[0])

		v, _, _ := s.KV.Get("k", 0)
		assert.Equal(t, "main", v)
	})

	t.Run("source wins overrides", func(t *testing.T) {
		m, s, fs := setup(t)
		fs.KV.Put("k", "fork")
		s.KV.Put("k", "main")

		result, err := m.Merge("feature", DefaultBranch, StrategySourceWins)
		require.NoError(t, err)
		assert.Equal(t, 1, result.KeysApplied)
		assert.Empty(t, result.Conflicts)

		v, _, _ := s.KV.Get("k", 0)
		assert.Equal(t, "fork", v)
	})

	t.Run("lww takes the later write", func(t *testing.T) {
		m, s, fs := setup(t)
		fs.KV.Put("k", "fork-early")
		s.KV.Put("k", "main-late")

		result, err := m.Merge("feature", DefaultBranch, StrategyLWW)
		require.NoError(t, err)
		assert.Zero(t, result.KeysApplied)

		v, _, _ := s.KV.Get("k", 0)
		assert.Equal(t, "main-late", v)

		// And the other way around.
		fs.KV.Put("k", "fork-latest")
		result, err = m.Merge("feature", DefaultBranch, StrategyLWW)
		require.NoError(t, err)
		assert.Equal(t, 1, result.KeysApplied)
		v, _, _ = s.KV.Get("k", 0)
		assert.Equal(t, "fork-latest", v)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		m, _, _ := setup(t)
		_, err := m.Merge("feature", DefaultBranch, Strategy("theirs"))
		var unknown *ErrUnknownStrategy
		require.ErrorAs(t, err, &unknown)
	})
}

func TestMergeTombstone(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)
	s, _ := main.Space(DefaultSpace)
	s.KV.Put("doomed", "v1")

	_, _, err = m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	fork, err := m.Get("feature")
	require.NoError(t, err)
	fs, _ := fork.Space(DefaultSpace)
	fs.KV.Delete("doomed")

	result, err := m.Merge("feature", DefaultBranch, StrategyLWW)
	require.NoError(t, err)
	assert.Equal(t, 1, result.KeysApplied)

	_, _, ok := s.KV.Get("doomed", 0)
	assert.False(t, ok)
}

func TestMergeVectors(t *testing.T) {
	m, _ := newTestManager()
	main, err := m.Get(DefaultBranch)
	require.NoError(t, err)

	_, _, err = m.Fork(context.Background(), DefaultBranch, "feature")
	require.NoError(t, err)
	fork, err := m.Get("feature")
	require.NoError(t, err)
	fs, _ := fork.Space(DefaultSpace)

	// The collection only exists on the fork; merge must carry it over.
	_, err = fs.Vectors.CreateCollection("docs", 2, distance.MetricCosine)
	require.NoError(t, err)
	_, err = fs.Vectors.Upsert("docs", "a", []float32{1, 0}, nil)
	require.NoError(t, err)

	result, err := m.Merge("feature", DefaultBranch, StrategyLWW)
	require.NoError(t, err)
	assert.Equal(t, 1, result.KeysApplied)

	s, _ := main.Space(DefaultSpace)
	entry, ok, err := s.Vectors.Get("docs", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, entry.Vector)
}
