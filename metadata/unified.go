// Package metadata provides typed metadata documents, filter evaluation and a
// Roaring-Bitmap-backed inverted index for hybrid vector + metadata search.
package metadata

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// UnifiedIndex combines metadata storage with inverted indexing using Roaring
// Bitmaps. The vector index uses it as the pre-filter stage of filtered
// search: equality-shaped filters compile to bitmap intersections, everything
// else falls back to per-document evaluation.
//
// Structure: field -> valueKey -> bitmap of IDs.
type UnifiedIndex struct {
	mu sync.RWMutex

	documents map[uint32]Document
	inverted  map[string]map[string]*roaring.Bitmap
}

// NewUnifiedIndex creates a new unified metadata index.
func NewUnifiedIndex() *UnifiedIndex {
	return &UnifiedIndex{
		documents: make(map[uint32]Document),
		inverted:  make(map[string]map[string]*roaring.Bitmap),
	}
}

// Set stores metadata for an ID and updates the inverted index.
// This replaces any existing metadata for the ID.
func (ui *UnifiedIndex) Set(id uint32, doc Document) {
	if doc == nil {
		return
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()

	if oldDoc, exists := ui.documents[id]; exists {
		ui.removeFromIndexLocked(id, oldDoc)
	}

	ui.documents[id] = doc
	ui.addToIndexLocked(id, doc)
}

// Get retrieves metadata for an ID.
func (ui *UnifiedIndex) Get(id uint32) (Document, bool) {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	doc, ok := ui.documents[id]
	return doc, ok
}

// Delete removes metadata for an ID and updates the inverted index.
func (ui *UnifiedIndex) Delete(id uint32) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	if doc, exists := ui.documents[id]; exists {
		ui.removeFromIndexLocked(id, doc)
	}
	delete(ui.documents, id)
}

// Len returns the number of documents in the index.
func (ui *UnifiedIndex) Len() int {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	return len(ui.documents)
}

func (ui *UnifiedIndex) addToIndexLocked(id uint32, doc Document) {
	for key, value := range doc {
		valueMap, ok := ui.inverted[key]
		if !ok {
			valueMap = make(map[string]*roaring.Bitmap)
			ui.inverted[key] = valueMap
		}

		valueKey := value.Key()
		bitmap, ok := valueMap[valueKey]
		if !ok {
			bitmap = roaring.New()
			valueMap[valueKey] = bitmap
		}

		bitmap.Add(id)
	}
}

func (ui *UnifiedIndex) removeFromIndexLocked(id uint32, doc Document) {
	for key, value := range doc {
		valueMap, ok := ui.inverted[key]
		if !ok {
			continue
		}

		valueKey := value.Key()
		bitmap, ok := valueMap[valueKey]
		if !ok {
			continue
		}

		bitmap.Remove(id)

		if bitmap.IsEmpty() {
			delete(valueMap, valueKey)
			if len(valueMap) == 0 {
				delete(ui.inverted, key)
			}
		}
	}
}

// CompileFilter compiles a FilterSet into a bitmap of matching IDs.
//
// Only OpEqual and OpIn compile to bitmap operations; any other operator makes
// compilation fail (returns nil), in which case callers should fall back to
// CreateFilterFunc's scanning path.
func (ui *UnifiedIndex) CompileFilter(fs *FilterSet) *roaring.Bitmap {
	if fs == nil || len(fs.Filters) == 0 {
		return nil
	}

	ui.mu.RLock()
	defer ui.mu.RUnlock()

	var result *roaring.Bitmap
	for i := range fs.Filters {
		f := &fs.Filters[i]

		var fieldBitmap *roaring.Bitmap
		switch f.Operator {
		case OpEqual:
			fieldBitmap = ui.getBitmapLocked(f.Key, f.Value)
			if fieldBitmap == nil {
				return roaring.New() // No matches at all.
			}
		case OpIn:
			items, ok := f.Value.AsArray()
			if !ok {
				return nil
			}
			fieldBitmap = roaring.New()
			for _, item := range items {
				if b := ui.getBitmapLocked(f.Key, item); b != nil {
					fieldBitmap.Or(b)
				}
			}
		default:
			return nil // Not compilable; caller falls back to scanning.
		}

		if result == nil {
			result = fieldBitmap.Clone()
		} else {
			result.And(fieldBitmap)
		}
	}

	return result
}

func (ui *UnifiedIndex) getBitmapLocked(key string, value Value) *roaring.Bitmap {
	valueMap, ok := ui.inverted[key]
	if !ok {
		return nil
	}

	bitmap, ok := valueMap[value.Key()]
	if !ok {
		return nil
	}

	return bitmap
}

// CreateFilterFunc creates a membership test from a FilterSet.
//
// Fast path: if compilation succeeds, returns a bitmap-based lookup.
// Slow path: evaluates the filter against the stored document per ID.
func (ui *UnifiedIndex) CreateFilterFunc(fs *FilterSet) func(uint32) bool {
	if fs == nil || len(fs.Filters) == 0 {
		return nil
	}

	bitmap := ui.CompileFilter(fs)
	if bitmap != nil {
		return func(id uint32) bool {
			return bitmap.Contains(id)
		}
	}

	return func(id uint32) bool {
		ui.mu.RLock()
		doc, ok := ui.documents[id]
		ui.mu.RUnlock()
		if !ok {
			return false
		}
		return fs.Matches(doc)
	}
}

// SerializableState represents the complete state of UnifiedIndex for
// persistence. Bitmaps are converted to sorted ID lists for codec
// compatibility.
type SerializableState struct {
	Documents map[uint32]Document            `json:"documents"`
	Inverted  map[string]map[string][]uint32 `json:"inverted"`
}

// ToSerializable converts the UnifiedIndex to a serializable form.
func (ui *UnifiedIndex) ToSerializable() *SerializableState {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	state := &SerializableState{
		Documents: make(map[uint32]Document, len(ui.documents)),
		Inverted:  make(map[string]map[string][]uint32, len(ui.inverted)),
	}

	for id, doc := range ui.documents {
		state.Documents[id] = doc
	}

	for field, valueMap := range ui.inverted {
		state.Inverted[field] = make(map[string][]uint32, len(valueMap))
		for value, bitmap := range valueMap {
			state.Inverted[field][value] = bitmap.ToArray()
		}
	}

	return state
}

// FromSerializable restores a UnifiedIndex from serialized state.
func (ui *UnifiedIndex) FromSerializable(state *SerializableState) error {
	if state == nil {
		return fmt.Errorf("unified: nil state")
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.documents = make(map[uint32]Document, len(state.Documents))
	for id, doc := range state.Documents {
		ui.documents[id] = doc
	}

	ui.inverted = make(map[string]map[string]*roaring.Bitmap, len(state.Inverted))
	for field, valueMap := range state.Inverted {
		ui.inverted[field] = make(map[string]*roaring.Bitmap, len(valueMap))
		for value, ids := range valueMap {
			bitmap := roaring.New()
			bitmap.AddMany(ids)
			ui.inverted[field][value] = bitmap
		}
	}

	return nil
}
