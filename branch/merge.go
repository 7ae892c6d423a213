package branch

import (
	"fmt"
	"sort"

	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
)

// Strategy selects how a merge treats keys written on both sides after the
// fork point.
type Strategy string

const (
	// StrategyLWW takes whichever side wrote the key last, by timestamp.
	StrategyLWW Strategy = "lww"
	// StrategySourceWins always takes the source branch's value.
	StrategySourceWins Strategy = "source-wins"
	// StrategyManual applies nothing for conflicting keys and reports them.
	StrategyManual Strategy = "manual"
)

// ErrUnknownStrategy indicates an unrecognized merge strategy name.
type ErrUnknownStrategy struct {
	Strategy string
}

func (e *ErrUnknownStrategy) Error() string {
	return fmt.Sprintf("unknown merge strategy %q", e.Strategy)
}

// ParseStrategy validates a strategy name. The empty string means LWW.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyLWW, nil
	case StrategyLWW, StrategySourceWins, StrategyManual:
		return Strategy(s), nil
	default:
		return "", &ErrUnknownStrategy{Strategy: s}
	}
}

// MergeResult reports what a merge did. Applied lists every key the merge
// wrote or deleted on the destination, so callers can refresh derived state
// such as text indexes.
type MergeResult struct {
	KeysApplied   int         `json:"keysApplied"`
	SpacesTouched []string    `json:"spacesTouched"`
	Applied       []DiffEntry `json:"applied"`
	Conflicts     []DiffEntry `json:"conflicts"`
}

// Merge applies the source branch's post-fork changes onto the destination.
//
// The fork point is the source's fork timestamp when it was forked from the
// destination (or vice versa); unrelated branches merge with fork point zero,
// treating every key as changed. A key both sides wrote after the fork point
// is a conflict, resolved per strategy.
func (m *Manager) Merge(src, dst string, strategy Strategy) (MergeResult, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return MergeResult{}, err
	}
	if strategy == "" {
		strategy = StrategyLWW
	}

	s, err := m.Get(src)
	if err != nil {
		return MergeResult{}, err
	}
	d, err := m.Get(dst)
	if err != nil {
		return MergeResult{}, err
	}

	forkTs := forkPoint(s.Info(), d.Info())

	d.WriteMu.Lock()
	defer d.WriteMu.Unlock()

	var (
		result  MergeResult
		touched = make(map[string]struct{})
	)

	for _, sname := range s.ListSpaces() {
		ss, _ := s.Space(sname)
		ds := d.EnsureSpace(sname)

		applied := 0
		applied += mergeStore(&result, sname, PrimitiveKV, ss.KV, ds.KV, forkTs, strategy)
		applied += mergeStore(&result, sname, PrimitiveCell, ss.Cells, ds.Cells, forkTs, strategy)
		applied += mergeStore(&result, sname, PrimitiveJSON, ss.JSON, ds.JSON, forkTs, strategy)
		applied += mergeVectors(&result, sname, ss.Vectors, ds.Vectors, forkTs, strategy)

		if applied > 0 {
			touched[sname] = struct{}{}
			result.KeysApplied += applied
		}
	}

	for sname := range touched {
		result.SpacesTouched = append(result.SpacesTouched, sname)
	}
	sort.Strings(result.SpacesTouched)
	sortEntries(result.Applied)
	sortEntries(result.Conflicts)

	if result.KeysApplied > 0 {
		d.mu.Lock()
		d.touchLocked()
		d.mu.Unlock()
	}
	return result, nil
}

// forkPoint returns the timestamp separating shared history from divergent
// writes, or zero when the branches are not fork relatives.
func forkPoint(src, dst Info) uint64 {
	if src.ParentID == dst.ID {
		return src.ForkTimestamp
	}
	if dst.ParentID == src.ID {
		return dst.ForkTimestamp
	}
	return 0
}

// change is one side's latest record for a key, if written after the fork
// point.
type change[V any] struct {
	rec version.Record[V]
}

func latestAfter[V any](s *version.Store[V], forkTs uint64) map[string]change[V] {
	out := make(map[string]change[V])
	s.Range(func(key string, hist []version.Record[V]) bool {
		last := hist[len(hist)-1]
		if last.Timestamp > forkTs {
			out[key] = change[V]{rec: last}
		}
		return true
	})
	return out
}

// resolve decides whether the source record should be applied given a
// possible destination-side change. Reports (apply, conflict).
func resolve[V any](src change[V], dst change[V], dstChanged bool, strategy Strategy) (bool, bool) {
	if !dstChanged {
		return true, false
	}
	switch strategy {
	case StrategySourceWins:
		return true, false
	case StrategyManual:
		return false, true
	default: // StrategyLWW
		return src.rec.Timestamp > dst.rec.Timestamp, false
	}
}

func mergeStore[V any](result *MergeResult, space string, prim Primitive, src, dst *version.Store[V], forkTs uint64, strategy Strategy) int {
	srcChanges := latestAfter(src, forkTs)
	dstChanges := latestAfter(dst, forkTs)

	keys := make([]string, 0, len(srcChanges))
	for key := range srcChanges {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	applied := 0
	for _, key := range keys {
		sc := srcChanges[key]
		dc, dstChanged := dstChanges[key]

		apply, conflict := resolve(sc, dc, dstChanged, strategy)
		if conflict {
			result.Conflicts = append(result.Conflicts, DiffEntry{Space: space, Primitive: prim, Key: key})
			continue
		}
		if !apply {
			continue
		}

		if sc.rec.Tombstone {
			if existed, _ := dst.Delete(key); existed {
				result.Applied = append(result.Applied, DiffEntry{Space: space, Primitive: prim, Key: key})
				applied++
			}
			continue
		}
		dst.Put(key, sc.rec.Value)
		result.Applied = append(result.Applied, DiffEntry{Space: space, Primitive: prim, Key: key})
		applied++
	}
	return applied
}

func mergeVectors(result *MergeResult, space string, src, dst *vector.Index, forkTs uint64, strategy Strategy) int {
	applied := 0
	for _, info := range src.ListCollections() {
		srcChanges := make(map[string]change[vector.Record])
		src.RangeHistory(info.Name, func(key string, hist []version.Record[vector.Record]) bool {
			last := hist[len(hist)-1]
			if last.Timestamp > forkTs {
				srcChanges[key] = change[vector.Record]{rec: last}
			}
			return true
		})
		if len(srcChanges) == 0 {
			continue
		}

		if _, err := dst.Stats(info.Name); err != nil {
			dst.ApplyCreateCollection(vector.CollectionInfo{
				Name:      info.Name,
				Dimension: info.Dimension,
				Metric:    info.Metric,
				IndexType: info.IndexType,
				Version:   info.Version,
				Timestamp: info.Timestamp,
			})
		}

		dstChanges := make(map[string]change[vector.Record])
		dst.RangeHistory(info.Name, func(key string, hist []version.Record[vector.Record]) bool {
			last := hist[len(hist)-1]
			if last.Timestamp > forkTs {
				dstChanges[key] = change[vector.Record]{rec: last}
			}
			return true
		})

		keys := make([]string, 0, len(srcChanges))
		for key := range srcChanges {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			sc := srcChanges[key]
			dc, dstChanged := dstChanges[key]

			apply, conflict := resolve(sc, dc, dstChanged, strategy)
			if conflict {
				result.Conflicts = append(result.Conflicts, DiffEntry{Space: space, Primitive: PrimitiveVector, Key: info.Name + "/" + key})
				continue
			}
			if !apply {
				continue
			}

			if sc.rec.Tombstone {
				if existed, _ := dst.Delete(info.Name, key); existed {
					result.Applied = append(result.Applied, DiffEntry{Space: space, Primitive: PrimitiveVector, Key: info.Name + "/" + key})
					applied++
				}
				continue
			}
			if _, err := dst.Upsert(info.Name, key, sc.rec.Value.Vector, sc.rec.Value.Meta); err == nil {
				result.Applied = append(result.Applied, DiffEntry{Space: space, Primitive: PrimitiveVector, Key: info.Name + "/" + key})
				applied++
			}
		}
	}
	return applied
}
