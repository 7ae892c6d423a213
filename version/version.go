// Package version implements the append-only, monotonically versioned
// key-to-value history that underlies the KV, state-cell, JSON and vector
// primitives.
//
// A Store never mutates a written record: every put appends a Record, deletes
// append tombstone records, and reads resolve "the latest record at or before
// T" against the immutable history. This is what makes as-of reads, branch
// forks and retention safe without read locks held across user operations.
package version

import (
	"slices"
	"sort"
	"strings"
	"sync"
)

// Record is one immutable version of a key.
//
// NOTE: This is also used for persistence (snapshots, bundles); keep it stable.
type Record[V any] struct {
	Value     V      `json:"value"`
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"ts"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Store is a versioned key-value map. Version numbers come from the provided
// source (typically a per-branch counter) and are strictly increasing per key,
// never reused, even across delete and recreate. Timestamps come from the
// engine clock.
//
// Reads take the read lock only while resolving the history slice; records
// themselves are immutable after append, so no copy is needed for values.
type Store[V any] struct {
	mu      sync.RWMutex
	entries map[string][]Record[V]

	nextVersion func() uint64
	now         func() uint64
}

// New creates a Store drawing version numbers from nextVersion and timestamps
// from now.
func New[V any](nextVersion, now func() uint64) *Store[V] {
	return &Store[V]{
		entries:     make(map[string][]Record[V]),
		nextVersion: nextVersion,
		now:         now,
	}
}

// Put appends a new version of key and returns its record.
func (s *Store[V]) Put(key string, value V) Record[V] {
	rec := Record[V]{
		Value:     value,
		Number:    s.nextVersion(),
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.entries[key] = append(s.entries[key], rec)
	s.mu.Unlock()

	return rec
}

// Delete appends a tombstone version for key. It reports whether a live value
// existed, and returns the tombstone record when one was written. Deleting an
// absent or already-deleted key writes nothing.
func (s *Store[V]) Delete(key string) (bool, Record[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.entries[key]
	if len(hist) == 0 || hist[len(hist)-1].Tombstone {
		return false, Record[V]{}
	}

	rec := Record[V]{
		Number:    s.nextVersion(),
		Timestamp: s.now(),
		Tombstone: true,
	}
	s.entries[key] = append(hist, rec)
	return true, rec
}

// Get returns the value of key visible at asOf (0 = now). The second result
// is the resolved record. A tombstone resolves to "not present".
func (s *Store[V]) Get(key string, asOf uint64) (V, Record[V], bool) {
	s.mu.RLock()
	hist := s.entries[key]
	s.mu.RUnlock()

	rec, ok := resolve(hist, asOf)
	if !ok || rec.Tombstone {
		var zero V
		return zero, Record[V]{}, false
	}
	return rec.Value, rec, true
}

// CurrentVersion returns the version number of the live value of key, or 0 if
// the key is absent or tombstoned. Used by compare-and-swap.
func (s *Store[V]) CurrentVersion(key string) uint64 {
	s.mu.RLock()
	hist := s.entries[key]
	s.mu.RUnlock()

	if len(hist) == 0 {
		return 0
	}
	last := hist[len(hist)-1]
	if last.Tombstone {
		return 0
	}
	return last.Number
}

// CAS atomically compares the current version of key to expected and, on
// match, appends value as a new version. On mismatch it returns ok=false with
// no side effects. A mismatch is not an error: it is the expected branch of
// optimistic-concurrency retry loops.
func (s *Store[V]) CAS(key string, value V, expected uint64) (Record[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	hist := s.entries[key]
	if len(hist) > 0 && !hist[len(hist)-1].Tombstone {
		current = hist[len(hist)-1].Number
	}
	if current != expected {
		return Record[V]{}, false
	}

	rec := Record[V]{
		Value:     value,
		Number:    s.nextVersion(),
		Timestamp: s.now(),
	}
	s.entries[key] = append(hist, rec)
	return rec, true
}

// Init writes value only if key has no live version. Otherwise it is a no-op
// returning the existing record. The second result reports whether the write
// happened.
func (s *Store[V]) Init(key string, value V) (Record[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.entries[key]
	if len(hist) > 0 && !hist[len(hist)-1].Tombstone {
		return hist[len(hist)-1], false
	}

	rec := Record[V]{
		Value:     value,
		Number:    s.nextVersion(),
		Timestamp: s.now(),
	}
	s.entries[key] = append(hist, rec)
	return rec, true
}

// History returns a copy of the full version history of key in write order,
// or nil if the key was never written.
func (s *Store[V]) History(key string) []Record[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.entries[key]
	if hist == nil {
		return nil
	}
	return slices.Clone(hist)
}

// List enumerates keys whose as-of-latest version is live and whose name has
// the given prefix, in sorted order. Sorted order keeps enumeration stable
// within a snapshot.
func (s *Store[V]) List(prefix string, asOf uint64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key, hist := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if rec, ok := resolve(hist, asOf); ok && !rec.Tombstone {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Page returns a bounded page of List results after the cursor (exclusive),
// plus the continuation cursor. An empty next cursor means the enumeration is
// complete.
func (s *Store[V]) Page(prefix string, asOf uint64, limit int, cursor string) ([]string, string) {
	keys := s.List(prefix, asOf)

	if cursor != "" {
		i := sort.SearchStrings(keys, cursor)
		if i < len(keys) && keys[i] == cursor {
			i++
		}
		keys = keys[i:]
	}

	if limit <= 0 || limit >= len(keys) {
		return keys, ""
	}
	return keys[:limit], keys[limit-1]
}

// Len returns the number of live keys at asOf.
func (s *Store[V]) Len(asOf uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, hist := range s.entries {
		if rec, ok := resolve(hist, asOf); ok && !rec.Tombstone {
			n++
		}
	}
	return n
}

// TimeRange reports the oldest and latest retained version timestamps.
// ok is false when the store holds no versions at all.
func (s *Store[V]) TimeRange() (oldest, latest uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, hist := range s.entries {
		for i := range hist {
			ts := hist[i].Timestamp
			if !ok {
				oldest, latest, ok = ts, ts, true
				continue
			}
			if ts < oldest {
				oldest = ts
			}
			if ts > latest {
				latest = ts
			}
		}
	}
	return oldest, latest, ok
}

// Apply installs a record verbatim, preserving its version number and
// timestamp. It is the replay path used by WAL recovery, bundle import and
// transaction commit.
func (s *Store[V]) Apply(key string, rec Record[V]) {
	s.mu.Lock()
	s.entries[key] = append(s.entries[key], rec)
	s.mu.Unlock()
}

// Fork returns a logical snapshot copy of the store wired to a new version
// source. History slices are cloned; records are immutable and therefore
// shared. After the fork the two stores are fully independent.
func (s *Store[V]) Fork(nextVersion, now func() uint64) *Store[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := New[V](nextVersion, now)
	for key, hist := range s.entries {
		out.entries[key] = slices.Clone(hist)
	}
	return out
}

// Range calls fn for every key and its full history, in unspecified order.
// The history slice must not be mutated. Used by snapshots, diffs and bundle
// export.
func (s *Store[V]) Range(fn func(key string, hist []Record[V]) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, hist := range s.entries {
		if !fn(key, hist) {
			return
		}
	}
}

// resolve returns the latest record with Timestamp <= asOf (0 = latest).
func resolve[V any](hist []Record[V], asOf uint64) (Record[V], bool) {
	if len(hist) == 0 {
		return Record[V]{}, false
	}
	if asOf == 0 {
		return hist[len(hist)-1], true
	}
	// Timestamps are strictly increasing within a history, so binary search
	// for the first record past asOf.
	i := sort.Search(len(hist), func(i int) bool {
		return hist[i].Timestamp > asOf
	})
	if i == 0 {
		return Record[V]{}, false
	}
	return hist[i-1], true
}
