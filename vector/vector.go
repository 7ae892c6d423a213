// Package vector implements the per-collection embedding store with exact
// nearest-neighbor search and metadata filtering.
//
// Every entry's embedding history lives in a version store, so as-of search
// sees exactly the vectors that were live at the requested time. Metadata is
// additionally mirrored into a Roaring-Bitmap inverted index for fast
// pre-filtering of current-state searches.
package vector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/metadata"
	"github.com/hupe1980/strata/version"
)

// ErrCollectionNotFound indicates a search or mutation against an unknown
// collection.
type ErrCollectionNotFound struct {
	Name string
}

func (e *ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection %q not found", e.Name)
}

// ErrCollectionExists indicates a create against an existing collection name.
type ErrCollectionExists struct {
	Name string
}

func (e *ErrCollectionExists) Error() string {
	return fmt.Sprintf("collection %q already exists", e.Name)
}

// ErrDimensionMismatch indicates a vector whose length violates the
// collection's structural dimension invariant.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrNonFiniteComponent indicates a NaN or infinite vector component.
type ErrNonFiniteComponent struct {
	Index int
}

func (e *ErrNonFiniteComponent) Error() string {
	return fmt.Sprintf("vector component %d is not a finite number", e.Index)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// Record is the versioned value stored per entry key.
//
// NOTE: This is also used for persistence; keep it stable.
type Record struct {
	Vector []float32         `json:"vector"`
	Meta   metadata.Document `json:"meta,omitempty"`
}

// CollectionInfo describes a collection and its current size.
type CollectionInfo struct {
	Name      string          `json:"name"`
	Dimension int             `json:"dimension"`
	Metric    distance.Metric `json:"metric"`
	IndexType string          `json:"indexType"`
	Count     int             `json:"count"`
	Version   uint64          `json:"version"`
	Timestamp uint64          `json:"ts"`
}

// Entry is a resolved vector entry returned by Get.
type Entry struct {
	Key       string
	Vector    []float32
	Meta      metadata.Document
	Version   uint64
	Timestamp uint64
}

// collection owns one named set of fixed-dimension vectors.
type collection struct {
	info    CollectionInfo
	entries *version.Store[Record]

	// ids assigns each key a dense uint32 in first-insertion order. The id
	// doubles as the stable tie-break for equal scores and as the document id
	// in the metadata index. Ids survive delete/re-upsert.
	ids   map[string]uint32
	order []string // id -> key

	meta *metadata.UnifiedIndex
}

// Index is the vector store of one (branch, space).
type Index struct {
	mu          sync.RWMutex
	collections map[string]*collection

	nextVersion func() uint64
	now         func() uint64
}

// New creates an empty Index drawing version numbers and timestamps from the
// given sources.
func New(nextVersion, now func() uint64) *Index {
	return &Index{
		collections: make(map[string]*collection),
		nextVersion: nextVersion,
		now:         now,
	}
}

// CreateCollection registers a collection. The metric must already be
// validated via distance.ParseMetric; the dimension must be positive.
func (x *Index) CreateCollection(name string, dim int, metric distance.Metric) (uint64, error) {
	if dim <= 0 {
		return 0, &ErrInvalidDimension{Dimension: dim}
	}
	if _, err := distance.Provider(metric); err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.collections[name]; exists {
		return 0, &ErrCollectionExists{Name: name}
	}

	ver := x.nextVersion()
	x.collections[name] = &collection{
		info: CollectionInfo{
			Name:      name,
			Dimension: dim,
			Metric:    metric,
			IndexType: "flat",
			Version:   ver,
			Timestamp: x.now(),
		},
		entries: version.New[Record](x.nextVersion, x.now),
		ids:     make(map[string]uint32),
		meta:    metadata.NewUnifiedIndex(),
	}
	return ver, nil
}

// DeleteCollection removes a collection and all its entries. Reports whether
// the collection existed.
func (x *Index) DeleteCollection(name string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, exists := x.collections[name]
	delete(x.collections, name)
	return exists
}

// ListCollections returns info for every collection, sorted by name.
func (x *Index) ListCollections() []CollectionInfo {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]CollectionInfo, 0, len(x.collections))
	for _, c := range x.collections {
		info := c.info
		info.Count = c.entries.Len(0)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns info for one collection including its live entry count.
func (x *Index) Stats(name string) (CollectionInfo, error) {
	c, err := x.get(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	info := c.info
	info.Count = c.entries.Len(0)
	return info, nil
}

func (x *Index) get(name string) (*collection, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, &ErrCollectionNotFound{Name: name}
	}
	return c, nil
}

// validate checks vec against the collection's invariants without mutating
// anything: first scalar well-formedness (validation), then the dimension
// invariant (constraint).
func (c *collection) validate(vec []float32) error {
	if i := distance.Validate(vec); i >= 0 {
		return &ErrNonFiniteComponent{Index: i}
	}
	if len(vec) != c.info.Dimension {
		return &ErrDimensionMismatch{Expected: c.info.Dimension, Actual: len(vec)}
	}
	return nil
}

// Upsert replaces the entry for key, advancing its version. No state changes
// on validation failure.
func (x *Index) Upsert(coll, key string, vec []float32, meta metadata.Document) (uint64, error) {
	c, err := x.get(coll)
	if err != nil {
		return 0, err
	}
	if err := c.validate(vec); err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	rec := c.entries.Put(key, Record{Vector: vec, Meta: metadata.CloneIfNeeded(meta)})
	id := c.assignIDLocked(key)
	if meta != nil {
		c.meta.Set(id, metadata.CloneIfNeeded(meta))
	} else {
		c.meta.Delete(id)
	}
	return rec.Number, nil
}

// BatchUpsert applies multiple upserts. All entries are validated before any
// write, so a malformed entry fails the whole batch with no partial state.
func (x *Index) BatchUpsert(coll string, keys []string, vecs [][]float32, metas []metadata.Document) ([]uint64, error) {
	c, err := x.get(coll)
	if err != nil {
		return nil, err
	}
	for _, vec := range vecs {
		if err := c.validate(vec); err != nil {
			return nil, err
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]uint64, len(keys))
	for i, key := range keys {
		var meta metadata.Document
		if i < len(metas) {
			meta = metas[i]
		}
		rec := c.entries.Put(key, Record{Vector: vecs[i], Meta: metadata.CloneIfNeeded(meta)})
		id := c.assignIDLocked(key)
		if meta != nil {
			c.meta.Set(id, metadata.CloneIfNeeded(meta))
		} else {
			c.meta.Delete(id)
		}
		out[i] = rec.Number
	}
	return out, nil
}

// Get returns the entry for key visible at asOf.
func (x *Index) Get(coll, key string, asOf uint64) (Entry, bool, error) {
	c, err := x.get(coll)
	if err != nil {
		return Entry{}, false, err
	}

	rec, vrec, ok := c.entries.Get(key, asOf)
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{
		Key:       key,
		Vector:    rec.Vector,
		Meta:      rec.Meta,
		Version:   vrec.Number,
		Timestamp: vrec.Timestamp,
	}, true, nil
}

// Delete tombstones the entry for key. Reports whether a live entry existed.
func (x *Index) Delete(coll, key string) (bool, error) {
	c, err := x.get(coll)
	if err != nil {
		return false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	existed, _ := c.entries.Delete(key)
	if existed {
		if id, ok := c.ids[key]; ok {
			c.meta.Delete(id)
		}
	}
	return existed, nil
}

// assignIDLocked returns the dense id for key, allocating the next one in
// insertion order if the key is new. Caller must hold x.mu.
func (c *collection) assignIDLocked(key string) uint32 {
	if id, ok := c.ids[key]; ok {
		return id
	}
	id := uint32(len(c.order))
	c.ids[key] = id
	c.order = append(c.order, key)
	return id
}
