package strata

import (
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/metadata"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/wal"
)

// CollectionInfo describes a vector collection and its current size.
type CollectionInfo = vector.CollectionInfo

// VectorData is a resolved vector entry.
type VectorData struct {
	Key       string         `json:"key"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   uint64         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}

// VectorMatch is one search result with a normalized, higher-is-better
// score.
type VectorMatch struct {
	Key      string         `json:"key"`
	Score    float32        `json:"score"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Version  uint64         `json:"version"`
}

// VectorEntry is one item of a batch upsert.
type VectorEntry struct {
	Key      string
	Vector   []float32
	Metadata map[string]any
}

// Filter is one metadata predicate of a filtered search. Supported
// operators: eq, ne, gt, gte, lt, lte, in, contains.
type Filter struct {
	Key   string
	Op    string
	Value any
}

// VectorCreateCollection registers a fixed-dimension collection under the
// current scope and returns its version number. An empty metric defaults to
// cosine.
func (e *Engine) VectorCreateCollection(name string, dim int, metric string) (uint64, error) {
	const op = "VectorCreateCollection"
	start := time.Now()

	ver, err := e.vectorCreateCollection(op, name, dim, metric)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) vectorCreateCollection(op, name string, dim int, metric string) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	m, err := distance.ParseMetric(metric)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "invalid metric")
	}

	var ver uint64
	err = e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		v, err := s.Vectors.CreateCollection(name, dim, m)
		if err != nil {
			return nil, err
		}
		ver = v

		info, err := s.Vectors.Stats(name)
		if err != nil {
			return nil, err
		}
		r, err := e.walRecord(opVectorCreate, sc, primitiveVector, name, info)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, err
}

// VectorDeleteCollection drops a collection and all of its entries,
// reporting whether it existed.
func (e *Engine) VectorDeleteCollection(name string) (bool, error) {
	const op = "VectorDeleteCollection"
	start := time.Now()

	var existed bool
	err := e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		existed = s.Vectors.DeleteCollection(name)
		if !existed {
			return nil, nil
		}
		r, err := e.walRecord(opVectorDrop, sc, primitiveVector, name, nil)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	e.metrics.RecordWrite(time.Since(start), err)
	return existed, err
}

// VectorListCollections returns the current space's collections, sorted by
// name.
func (e *Engine) VectorListCollections() ([]CollectionInfo, error) {
	const op = "VectorListCollections"

	_, s, _, err := e.withRead(op)
	if err != nil || s == nil {
		return nil, err
	}
	return s.Vectors.ListCollections(), nil
}

// VectorStats returns a collection's descriptor and current entry count.
func (e *Engine) VectorStats(name string) (CollectionInfo, error) {
	const op = "VectorStats"

	_, s, _, err := e.withRead(op)
	if err != nil {
		return CollectionInfo{}, err
	}
	if s == nil {
		return CollectionInfo{}, classify(op, &vector.ErrCollectionNotFound{Name: name})
	}

	info, err := s.Vectors.Stats(name)
	if err != nil {
		return CollectionInfo{}, classify(op, err)
	}
	return info, nil
}

// VectorUpsert writes or replaces the vector stored under key and returns
// its version number. The vector must match the collection dimension exactly
// and every component must be finite.
func (e *Engine) VectorUpsert(coll, key string, vec []float32, meta map[string]any) (uint64, error) {
	const op = "VectorUpsert"
	start := time.Now()

	ver, err := e.vectorUpsert(op, coll, key, vec, meta)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) vectorUpsert(op, coll, key string, vec []float32, meta map[string]any) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	doc, err := metadata.DocumentFromAny(meta)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "invalid metadata")
	}

	var ver uint64
	err = e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		v, err := s.Vectors.Upsert(coll, key, vec, doc)
		if err != nil {
			return nil, err
		}
		ver = v

		rec, err := e.vectorWALEntry(s, sc, coll, key)
		if err != nil {
			return nil, err
		}
		return []wal.Record{rec}, nil
	})
	return ver, err
}

// VectorBatchUpsert validates and writes a batch of entries. Any invalid
// entry fails the whole batch before a single write is applied.
func (e *Engine) VectorBatchUpsert(coll string, entries []VectorEntry) ([]uint64, error) {
	const op = "VectorBatchUpsert"
	start := time.Now()

	vers, err := e.vectorBatchUpsert(op, coll, entries)
	e.metrics.RecordWrite(time.Since(start), err)
	return vers, err
}

func (e *Engine) vectorBatchUpsert(op, coll string, entries []VectorEntry) ([]uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return nil, err
	}

	keys := make([]string, len(entries))
	vecs := make([][]float32, len(entries))
	metas := make([]metadata.Document, len(entries))
	for i, entry := range entries {
		doc, err := metadata.DocumentFromAny(entry.Metadata)
		if err != nil {
			return nil, wrapError(KindValidation, op, err, "invalid metadata for key %q", entry.Key)
		}
		keys[i] = entry.Key
		vecs[i] = entry.Vector
		metas[i] = doc
	}

	var vers []uint64
	err := e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		v, err := s.Vectors.BatchUpsert(coll, keys, vecs, metas)
		if err != nil {
			return nil, err
		}
		vers = v

		recs := make([]wal.Record, 0, len(keys))
		for _, key := range keys {
			rec, err := e.vectorWALEntry(s, sc, coll, key)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return vers, nil
}

// VectorGet returns the entry stored under key, current or as-of.
func (e *Engine) VectorGet(coll, key string, optFns ...ReadOption) (VectorData, bool, error) {
	const op = "VectorGet"
	start := time.Now()

	_, s, _, err := e.withRead(op)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil {
		return VectorData{}, false, err
	}
	if s == nil {
		return VectorData{}, false, classify(op, &vector.ErrCollectionNotFound{Name: coll})
	}

	ro := newReadOptions(optFns)
	entry, ok, err := s.Vectors.Get(coll, key, ro.asOf)
	if err != nil {
		return VectorData{}, false, classify(op, err)
	}
	if !ok {
		return VectorData{}, false, nil
	}
	return VectorData{
		Key:       entry.Key,
		Vector:    entry.Vector,
		Metadata:  metadata.DocumentToAny(entry.Meta),
		Version:   entry.Version,
		Timestamp: toTime(entry.Timestamp),
	}, true, nil
}

// VectorDelete tombstones the entry under key, reporting whether it existed.
func (e *Engine) VectorDelete(coll, key string) (bool, error) {
	const op = "VectorDelete"
	start := time.Now()

	var existed bool
	err := e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		ok, err := s.Vectors.Delete(coll, key)
		if err != nil {
			return nil, err
		}
		existed = ok
		if !ok {
			return nil, nil
		}

		rec, err := e.vectorWALEntry(s, sc, coll, key)
		if err != nil {
			return nil, err
		}
		rec.Op = opVectorDelete
		return []wal.Record{rec}, nil
	})
	e.metrics.RecordWrite(time.Since(start), err)
	return existed, err
}

// VectorSearch returns the k best matches for query under the collection's
// metric, best first, ties broken by insertion order.
func (e *Engine) VectorSearch(coll string, query []float32, k int, optFns ...ReadOption) ([]VectorMatch, error) {
	return e.VectorSearchFiltered(coll, query, k, nil, "", optFns...)
}

// VectorSearchFiltered is VectorSearch with metadata predicates and an
// optional per-call metric override. Candidates failing a predicate do not
// consume result slots.
func (e *Engine) VectorSearchFiltered(coll string, query []float32, k int, filters []Filter, metric string, optFns ...ReadOption) ([]VectorMatch, error) {
	const op = "VectorSearch"
	start := time.Now()

	matches, err := e.vectorSearch(op, coll, query, k, filters, metric, newReadOptions(optFns))
	e.metrics.RecordSearch(k, time.Since(start), err)
	return matches, err
}

func (e *Engine) vectorSearch(op, coll string, query []float32, k int, filters []Filter, metric string, ro readOptions) ([]VectorMatch, error) {
	_, s, _, err := e.withRead(op)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, classify(op, &vector.ErrCollectionNotFound{Name: coll})
	}

	opts := vector.SearchOptions{AsOf: ro.asOf}

	if metric != "" {
		m, err := distance.ParseMetric(metric)
		if err != nil {
			return nil, wrapError(KindValidation, op, err, "invalid metric")
		}
		opts.Metric = m
	}

	if len(filters) > 0 {
		fs, err := e.filterSet(op, filters)
		if err != nil {
			return nil, err
		}
		opts.Filters = fs
	}

	matches, err := s.Vectors.Search(coll, query, k, opts)
	if err != nil {
		return nil, classify(op, err)
	}

	out := make([]VectorMatch, len(matches))
	for i, m := range matches {
		out[i] = VectorMatch{
			Key:      m.Key,
			Score:    m.Score,
			Vector:   m.Vector,
			Metadata: metadata.DocumentToAny(m.Meta),
			Version:  m.Version,
		}
	}
	return out, nil
}

func (e *Engine) filterSet(op string, filters []Filter) (*metadata.FilterSet, error) {
	out := make([]metadata.Filter, len(filters))
	for i, f := range filters {
		operator, err := metadata.ParseOperator(f.Op)
		if err != nil {
			return nil, wrapError(KindValidation, op, err, "invalid filter")
		}
		value, err := metadata.FromAny(f.Value)
		if err != nil {
			return nil, wrapError(KindValidation, op, err, "invalid filter value")
		}
		out[i] = metadata.Filter{Key: f.Key, Operator: operator, Value: value}
	}
	return metadata.NewFilterSet(out...), nil
}

// vectorWALEntry builds the WAL record carrying an entry's latest version,
// read back from the store so replay installs exactly what was written.
func (e *Engine) vectorWALEntry(s *branch.Space, sc scope, coll, key string) (wal.Record, error) {
	rec, ok, err := s.Vectors.LatestRecord(coll, key)
	if err != nil {
		return wal.Record{}, err
	}
	if !ok {
		return wal.Record{}, &vector.ErrCollectionNotFound{Name: coll}
	}
	return e.walRecord(opVectorPut, sc, primitiveVector, key, walVectorEntry{Collection: coll, Record: rec})
}
