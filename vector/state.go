package vector

import (
	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/metadata"
	"github.com/hupe1980/strata/version"
)

// ApplyCreateCollection installs a collection with its recorded identity.
// Used during recovery; an existing collection with the same name is
// replaced.
func (x *Index) ApplyCreateCollection(info CollectionInfo) {
	x.mu.Lock()
	defer x.mu.Unlock()

	info.Count = 0
	x.collections[info.Name] = &collection{
		info:    info,
		entries: version.New[Record](x.nextVersion, x.now),
		ids:     make(map[string]uint32),
		meta:    metadata.NewUnifiedIndex(),
	}
}

// Apply installs a recorded entry version verbatim, preserving its version
// number and timestamp. The collection must already exist.
func (x *Index) Apply(coll, key string, rec version.Record[Record]) error {
	c, err := x.get(coll)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	c.entries.Apply(key, rec)
	id := c.assignIDLocked(key)
	if rec.Tombstone || rec.Value.Meta == nil {
		c.meta.Delete(id)
	} else {
		c.meta.Set(id, metadata.CloneIfNeeded(rec.Value.Meta))
	}
	return nil
}

// Fork clones the index for a new branch. Histories are shared structurally;
// the clone draws versions and timestamps from its own sources.
func (x *Index) Fork(nextVersion, now func() uint64) *Index {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := New(nextVersion, now)
	for name, c := range x.collections {
		fc := &collection{
			info:    c.info,
			entries: c.entries.Fork(nextVersion, now),
			ids:     make(map[string]uint32, len(c.ids)),
			order:   append([]string(nil), c.order...),
			meta:    metadata.NewUnifiedIndex(),
		}
		for k, id := range c.ids {
			fc.ids[k] = id
		}
		for id, key := range fc.order {
			if rec, _, ok := fc.entries.Get(key, 0); ok && rec.Meta != nil {
				fc.meta.Set(uint32(id), metadata.CloneIfNeeded(rec.Meta))
			}
		}
		out.collections[name] = fc
	}
	return out
}

// SerializableCollection is the persisted form of one collection.
type SerializableCollection struct {
	Info    CollectionInfo                      `json:"info"`
	Order   []string                            `json:"order"`
	Entries map[string][]version.Record[Record] `json:"entries"`
}

// SerializableState is the persisted form of the whole index.
type SerializableState struct {
	Collections []SerializableCollection `json:"collections"`
}

// ToSerializable captures the full index state, including history, for
// snapshotting. The metadata bitmap index is derived state and rebuilt on
// load.
func (x *Index) ToSerializable() *SerializableState {
	x.mu.RLock()
	defer x.mu.RUnlock()

	state := &SerializableState{}
	for _, c := range x.collections {
		sc := SerializableCollection{
			Info:    c.info,
			Order:   append([]string(nil), c.order...),
			Entries: make(map[string][]version.Record[Record]),
		}
		c.entries.Range(func(key string, hist []version.Record[Record]) bool {
			sc.Entries[key] = append([]version.Record[Record](nil), hist...)
			return true
		})
		state.Collections = append(state.Collections, sc)
	}
	return state
}

// FromSerializable restores index state captured by ToSerializable.
func (x *Index) FromSerializable(state *SerializableState) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.collections = make(map[string]*collection, len(state.Collections))
	for _, sc := range state.Collections {
		if _, err := distance.Provider(sc.Info.Metric); err != nil {
			return err
		}

		c := &collection{
			info:    sc.Info,
			entries: version.New[Record](x.nextVersion, x.now),
			ids:     make(map[string]uint32, len(sc.Order)),
			order:   append([]string(nil), sc.Order...),
			meta:    metadata.NewUnifiedIndex(),
		}
		for id, key := range c.order {
			c.ids[key] = uint32(id)
		}
		for key, hist := range sc.Entries {
			for _, rec := range hist {
				c.entries.Apply(key, rec)
			}
		}
		for id, key := range c.order {
			if rec, _, ok := c.entries.Get(key, 0); ok && rec.Meta != nil {
				c.meta.Set(uint32(id), rec.Meta)
			}
		}
		x.collections[c.info.Name] = c
	}
	return nil
}

// RangeEntries visits every live entry of a collection in insertion order
// with its current record. Unknown collections visit nothing.
func (x *Index) RangeEntries(coll string, fn func(key string, rec Record) bool) {
	c, err := x.get(coll)
	if err != nil {
		return
	}

	x.mu.RLock()
	order := c.order
	x.mu.RUnlock()

	for _, key := range order {
		if rec, _, ok := c.entries.Get(key, 0); ok {
			if !fn(key, rec) {
				return
			}
		}
	}
}

// LatestRecord returns the most recent version record of an entry key,
// tombstones included. Used to build replay logs after a write.
func (x *Index) LatestRecord(coll, key string) (version.Record[Record], bool, error) {
	c, err := x.get(coll)
	if err != nil {
		return version.Record[Record]{}, false, err
	}

	hist := c.entries.History(key)
	if len(hist) == 0 {
		return version.Record[Record]{}, false, nil
	}
	return hist[len(hist)-1], true, nil
}

// RangeHistory visits the full version history of every entry key of a
// collection, including tombstoned ones.
func (x *Index) RangeHistory(coll string, fn func(key string, hist []version.Record[Record]) bool) {
	c, err := x.get(coll)
	if err != nil {
		return
	}
	c.entries.Range(fn)
}

// Retain applies a retention policy to every collection's entry histories,
// returning the number of records reclaimed.
func (x *Index) Retain(policy version.Policy) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	reclaimed := 0
	for _, c := range x.collections {
		reclaimed += c.entries.Retain(policy)
	}
	return reclaimed
}
