package branch

import (
	"reflect"
	"sort"

	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
)

// Primitive names a keyed primitive inside a space, for diff and merge
// reporting.
type Primitive string

const (
	PrimitiveKV     Primitive = "kv"
	PrimitiveCell   Primitive = "cell"
	PrimitiveJSON   Primitive = "json"
	PrimitiveVector Primitive = "vector"
)

// DiffEntry names one key that differs between two branches. For vector
// entries, Key is "<collection>/<entry key>".
type DiffEntry struct {
	Space     string    `json:"space"`
	Primitive Primitive `json:"primitive"`
	Key       string    `json:"key"`
}

// DiffResult is a raw current-state comparison of two branches: history and
// versions are ignored, only presence and value of the latest live records
// count.
type DiffResult struct {
	Added    []DiffEntry `json:"added"`    // present in other, absent in base
	Removed  []DiffEntry `json:"removed"`  // present in base, absent in other
	Modified []DiffEntry `json:"modified"` // present in both with different values
}

// Diff compares the current state of two branches.
func (m *Manager) Diff(base, other string) (DiffResult, error) {
	a, err := m.Get(base)
	if err != nil {
		return DiffResult{}, err
	}
	b, err := m.Get(other)
	if err != nil {
		return DiffResult{}, err
	}

	var result DiffResult

	for _, sname := range unionSpaces(a, b) {
		av := spaceViews(a, sname)
		bv := spaceViews(b, sname)
		for _, prim := range []Primitive{PrimitiveKV, PrimitiveCell, PrimitiveJSON, PrimitiveVector} {
			diffStore(&result, sname, prim, av[prim], bv[prim])
		}
	}

	sortEntries(result.Added)
	sortEntries(result.Removed)
	sortEntries(result.Modified)
	return result, nil
}

func unionSpaces(a, b *Branch) []string {
	seen := make(map[string]struct{})
	for _, name := range a.ListSpaces() {
		seen[name] = struct{}{}
	}
	for _, name := range b.ListSpaces() {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// spaceViews flattens a branch's space to comparable key -> value maps per
// primitive. A missing space yields nil maps, comparing as empty.
func spaceViews(b *Branch, space string) map[Primitive]map[string]any {
	s, ok := b.Space(space)
	if !ok {
		return map[Primitive]map[string]any{}
	}
	return map[Primitive]map[string]any{
		PrimitiveKV:     currentState(s.KV),
		PrimitiveCell:   currentState(s.Cells),
		PrimitiveJSON:   currentState(s.JSON),
		PrimitiveVector: vectorState(s),
	}
}

// currentState flattens a version store to its live key -> value view.
func currentState[V any](s *version.Store[V]) map[string]any {
	out := make(map[string]any)
	s.Range(func(key string, hist []version.Record[V]) bool {
		last := hist[len(hist)-1]
		if !last.Tombstone {
			out[key] = last.Value
		}
		return true
	})
	return out
}

// vectorState flattens a space's vector collections to "<coll>/<key>" ->
// vector, so entries are comparable across branches.
func vectorState(s *Space) map[string]any {
	out := make(map[string]any)
	for _, info := range s.Vectors.ListCollections() {
		s.Vectors.RangeEntries(info.Name, func(key string, rec vector.Record) bool {
			out[info.Name+"/"+key] = rec
			return true
		})
	}
	return out
}

func diffStore(result *DiffResult, space string, prim Primitive, base, other map[string]any) {
	for key, bv := range base {
		ov, ok := other[key]
		switch {
		case !ok:
			result.Removed = append(result.Removed, DiffEntry{Space: space, Primitive: prim, Key: key})
		case !reflect.DeepEqual(bv, ov):
			result.Modified = append(result.Modified, DiffEntry{Space: space, Primitive: prim, Key: key})
		}
	}
	for key := range other {
		if _, ok := base[key]; !ok {
			result.Added = append(result.Added, DiffEntry{Space: space, Primitive: prim, Key: key})
		}
	}
}

func sortEntries(entries []DiffEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Space != b.Space {
			return a.Space < b.Space
		}
		if a.Primitive != b.Primitive {
			return a.Primitive < b.Primitive
		}
		return a.Key < b.Key
	})
}
