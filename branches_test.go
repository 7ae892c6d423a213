package strata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/blobstore"
)

func TestBranchCreateList(t *testing.T) {
	e := newTestEngine(t)

	info, err := e.BranchCreate("feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", info.Name)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "active", info.Status)

	_, err = e.BranchCreate("feature")
	assert.Equal(t, KindConflict, KindOf(err))

	infos, err := e.BranchList()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "default", infos[0].Name)
	assert.Equal(t, "feature", infos[1].Name)

	got, err := e.BranchGet("feature")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	_, err = e.BranchGet("nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestBranchForkIsolation(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("shared", "base")
	require.NoError(t, err)

	info, copied, err := e.BranchFork("feature")
	require.NoError(t, err)
	assert.Equal(t, "default", info.ParentName)
	assert.Positive(t, copied)

	require.NoError(t, e.Use("feature", ""))

	v, ok, err := e.Get("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", v)

	_, err = e.Put("shared", "changed")
	require.NoError(t, err)
	_, err = e.Put("only-feature", 1)
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))

	v, ok, err = e.Get("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", v, "fork writes stay on the fork")

	_, ok, err = e.Get("only-feature")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBranchDelete(t *testing.T) {
	e := newTestEngine(t)

	err := e.BranchDelete("default")
	assert.Equal(t, KindState, KindOf(err))

	_, err = e.BranchCreate("scratch")
	require.NoError(t, err)
	require.NoError(t, e.BranchDelete("scratch"))

	err = e.Use("scratch", "")
	assert.Equal(t, KindState, KindOf(err), "deleted branches stay deleted")

	err = e.BranchDelete("nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestBranchDiff(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("same", 1)
	require.NoError(t, err)
	_, err = e.Put("changed", "before")
	require.NoError(t, err)
	_, err = e.Put("removed", 1)
	require.NoError(t, err)

	_, _, err = e.BranchFork("feature")
	require.NoError(t, err)
	require.NoError(t, e.Use("feature", ""))

	_, err = e.Put("changed", "after")
	require.NoError(t, err)
	_, err = e.Put("added", 1)
	require.NoError(t, err)
	_, err = e.Delete("removed")
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))

	diff, err := e.BranchDiff("feature")
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "added", diff.Added[0].Key)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "removed", diff.Removed[0].Key)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "changed", diff.Modified[0].Key)
}

func TestBranchMergeLWW(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("base", 1)
	require.NoError(t, err)

	_, _, err = e.BranchFork("feature")
	require.NoError(t, err)
	require.NoError(t, e.Use("feature", ""))

	_, err = e.Put("from-feature", "x")
	require.NoError(t, err)
	_, err = e.Put("base", "feature-side")
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))

	result, err := e.BranchMerge("feature", "lww")
	require.NoError(t, err)
	assert.Equal(t, 2, result.KeysApplied)
	assert.Empty(t, result.Conflicts)

	v, ok, err := e.Get("from-feature")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", v)

	v, ok, err = e.Get("base")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "feature-side", v, "the fork wrote last")

	_, err = e.BranchMerge("feature", "three-way")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestBranchMergeUpdatesTextIndex(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("old", "obsolete survey notes")
	require.NoError(t, err)

	_, _, err = e.BranchFork("feature")
	require.NoError(t, err)
	require.NoError(t, e.Use("feature", ""))

	_, err = e.Put("memo", "nebula survey report")
	require.NoError(t, err)
	_, err = e.JSONSet("doc", "$", map[string]any{"title": "nebula catalog"})
	require.NoError(t, err)
	_, err = e.Delete("old")
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))

	matches, err := e.SearchText("nebula", 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "fork writes stay invisible until merged")

	result, err := e.BranchMerge("feature", "lww")
	require.NoError(t, err)
	assert.Equal(t, 3, result.KeysApplied)
	assert.Len(t, result.Applied, 3)

	matches, err = e.SearchText("nebula", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	keys := map[string]string{}
	for _, m := range matches {
		keys[m.Primitive] = m.Key
	}
	assert.Equal(t, "memo", keys["kv"])
	assert.Equal(t, "doc", keys["json"])

	matches, err = e.SearchText("obsolete", 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "a merged delete drops the key from the index")
}

func TestBranchMergeManualConflicts(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("k", "base")
	require.NoError(t, err)

	_, _, err = e.BranchFork("feature")
	require.NoError(t, err)

	require.NoError(t, e.Use("feature", ""))
	_, err = e.Put("k", "feature-side")
	require.NoError(t, err)

	require.NoError(t, e.Use("default", ""))
	_, err = e.Put("k", "default-side")
	require.NoError(t, err)

	result, err := e.BranchMerge("feature", "manual")
	require.NoError(t, err)
	assert.Zero(t, result.KeysApplied)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "k", result.Conflicts[0].Key)

	// Manual leaves the destination untouched.
	v, ok, err := e.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "default-side", v)
}

func TestSpaces(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.SpaceCreate("tenant-a"))

	err := e.SpaceCreate("tenant-a")
	assert.Equal(t, KindState, KindOf(err))

	names, err := e.SpaceList()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "tenant-a"}, names)

	require.NoError(t, e.Use("default", "tenant-a"))
	_, err = e.Put("k", 1)
	require.NoError(t, err)
	require.NoError(t, e.Use("default", ""))

	err = e.SpaceDelete("tenant-a", false)
	assert.Equal(t, KindState, KindOf(err), "non-empty spaces need force")

	require.NoError(t, e.SpaceDelete("tenant-a", true))

	names, err = e.SpaceList()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)

	err = e.SpaceDelete("default", true)
	assert.Equal(t, KindState, KindOf(err))
}

func TestBundleExportImport(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.BranchFork("feature")
	require.NoError(t, err)
	require.NoError(t, e.Use("feature", ""))

	_, err = e.Put("k", "v")
	require.NoError(t, err)
	_, err = e.StateSet("cell", 7)
	require.NoError(t, err)
	_, err = e.JSONSet("doc", "$", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = e.EventAppend("tick", nil)
	require.NoError(t, err)
	_, err = e.VectorCreateCollection("docs", 2, "")
	require.NoError(t, err)
	_, err = e.VectorUpsert("docs", "x", []float32{1, 0}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "feature.bundle")
	manifest, err := e.BranchExport("feature", path)
	require.NoError(t, err)
	assert.Equal(t, "feature", manifest.BranchName)
	assert.Positive(t, manifest.EntryCount)
	assert.Positive(t, manifest.BundleSize)

	report, err := e.BundleValidate(path)
	require.NoError(t, err)
	assert.True(t, report.ChecksumsValid)
	assert.Equal(t, manifest.EntryCount, report.EntryCount)

	// Importing into an engine that already has the branch conflicts.
	_, err = e.BranchImport(path)
	assert.Equal(t, KindConflict, KindOf(err))

	// A fresh engine accepts the bundle wholesale.
	dst := newTestEngine(t)
	result, err := dst.BranchImport(path)
	require.NoError(t, err)
	assert.Equal(t, "feature", result.BranchName)
	assert.Positive(t, result.KeysWritten)
	assert.Equal(t, manifest.EntryCount, result.TransactionsApplied)

	require.NoError(t, dst.Use("feature", ""))

	v, ok, err := dst.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	got, ok, err := dst.StateGet("cell")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(7), got)

	n, err := dst.EventLen()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, ok, err := dst.VectorGet("docs", "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, data.Vector)
}

func TestBranchExportToBlobStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e := newTestEngine(t)
	_, err := e.Put("k", "v")
	require.NoError(t, err)
	_, _, err = e.BranchFork("archive")
	require.NoError(t, err)

	manifest, err := e.BranchExportTo(ctx, store, "archive", "bundles/archive")
	require.NoError(t, err)
	assert.Equal(t, "bundles/archive", manifest.Path)

	names, err := store.List(ctx, "bundles/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bundles/archive"}, names)

	dst := newTestEngine(t)
	result, err := dst.BranchImportFrom(ctx, store, "bundles/archive")
	require.NoError(t, err)
	assert.Equal(t, "archive", result.BranchName)

	require.NoError(t, dst.Use("archive", ""))
	v, ok, err := dst.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, err = dst.BranchImportFrom(ctx, store, "bundles/missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestBundleValidateTampered(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Put("k", "v")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "default.bundle")
	_, err = e.BranchExport("default", path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	report, err := e.BundleValidate(path)
	if err != nil {
		assert.Equal(t, KindValidation, KindOf(err))
	} else {
		assert.False(t, report.ChecksumsValid)
	}

	_, err = e.BranchImport(path)
	require.Error(t, err)
}
