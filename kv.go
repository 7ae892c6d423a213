package strata

import (
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/wal"
)

// VersionedValue is a value together with the version that produced it.
type VersionedValue struct {
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// VersionInfo is one entry of a key's history.
type VersionInfo struct {
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Tombstone bool      `json:"tombstone,omitempty"`
}

// Put writes a new version of key in the current scope and returns its
// version number. Inside a transaction the write is buffered and the version
// is assigned at commit; Put then returns 0.
func (e *Engine) Put(key string, value any) (uint64, error) {
	const op = "Put"
	start := time.Now()

	ver, err := e.put(op, key, value)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) put(op, key string, value any) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	norm, err := codec.Roundtrip(e.codec, value)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "value is not encodable")
	}

	if t, ok := e.coord.Active(); ok {
		if err := t.Stage(txn.Write{
			WriteKey: txn.WriteKey{Primitive: primitiveKV, Space: t.Space(), Key: key},
			Op:       txn.OpPut,
			Value:    norm,
		}); err != nil {
			return 0, classify(op, err)
		}
		return 0, nil
	}

	var ver uint64
	err = e.withWrite(op, func(b *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		rec := s.KV.Put(key, norm)
		ver = rec.Number
		e.indexValue(b, primitiveKV, sc.Space, key, norm, false)

		r, err := e.walRecord(opKVPut, sc, primitiveKV, key, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, err
}

// Get returns the current (or as-of) value of key. The second result reports
// whether the key is present; absence is not an error.
func (e *Engine) Get(key string, optFns ...ReadOption) (any, bool, error) {
	const op = "Get"
	start := time.Now()

	v, ok, err := e.get(op, key, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return v, ok, err
}

func (e *Engine) get(op, key string, ro readOptions) (any, bool, error) {
	_, s, sc, err := e.withRead(op)
	if err != nil {
		return nil, false, err
	}

	if w, staged := e.stagedWrite(primitiveKV, sc, key, ro); staged {
		if w.Op == txn.OpDelete {
			return nil, false, nil
		}
		return w.Value, true, nil
	}

	if s == nil {
		return nil, false, nil
	}
	v, _, ok := s.KV.Get(key, ro.asOf)
	return v, ok, nil
}

// GetVersioned returns the current value of key with its version number and
// timestamp.
func (e *Engine) GetVersioned(key string, optFns ...ReadOption) (VersionedValue, bool, error) {
	const op = "GetVersioned"
	start := time.Now()

	vv, ok, err := e.getVersioned(op, key, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return vv, ok, err
}

func (e *Engine) getVersioned(op, key string, ro readOptions) (VersionedValue, bool, error) {
	_, s, sc, err := e.withRead(op)
	if err != nil {
		return VersionedValue{}, false, err
	}

	// Buffered writes have no version yet; they read back as version 0.
	if w, staged := e.stagedWrite(primitiveKV, sc, key, ro); staged {
		if w.Op == txn.OpDelete {
			return VersionedValue{}, false, nil
		}
		return VersionedValue{Value: w.Value}, true, nil
	}

	if s == nil {
		return VersionedValue{}, false, nil
	}
	v, rec, ok := s.KV.Get(key, ro.asOf)
	if !ok {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{
		Value:     v,
		Version:   rec.Number,
		Timestamp: toTime(rec.Timestamp),
	}, true, nil
}

// Delete appends a tombstone for key and reports whether a live value
// existed. Inside a transaction the delete is buffered.
func (e *Engine) Delete(key string) (bool, error) {
	const op = "Delete"
	start := time.Now()

	existed, err := e.deleteKV(op, key)
	e.metrics.RecordWrite(time.Since(start), err)
	return existed, err
}

func (e *Engine) deleteKV(op, key string) (bool, error) {
	if err := e.checkWritable(op); err != nil {
		return false, err
	}

	if t, ok := e.coord.Active(); ok {
		_, existed, err := e.get(op, key, readOptions{})
		if err != nil {
			return false, err
		}
		if stageErr := t.Stage(txn.Write{
			WriteKey: txn.WriteKey{Primitive: primitiveKV, Space: t.Space(), Key: key},
			Op:       txn.OpDelete,
		}); stageErr != nil {
			return false, classify(op, stageErr)
		}
		return existed, nil
	}

	var existed bool
	err := e.withWrite(op, func(b *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		ok, rec := s.KV.Delete(key)
		existed = ok
		if !ok {
			return nil, nil
		}
		e.indexValue(b, primitiveKV, sc.Space, key, nil, true)

		r, err := e.walRecord(opKVDelete, sc, primitiveKV, key, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return existed, err
}

// List enumerates live keys with the given prefix, sorted.
func (e *Engine) List(prefix string, optFns ...ReadOption) ([]string, error) {
	const op = "List"
	start := time.Now()

	keys, err := e.list(op, prefix, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return keys, err
}

func (e *Engine) list(op, prefix string, ro readOptions) ([]string, error) {
	_, s, sc, err := e.withRead(op)
	if err != nil {
		return nil, err
	}

	var keys []string
	if s != nil {
		keys = s.KV.List(prefix, ro.asOf)
	}
	return e.mergeStagedKeys(keys, primitiveKV, sc, prefix, ro), nil
}

// ListPage returns a bounded page of List results after cursor (exclusive)
// and the continuation cursor. An empty cursor means the enumeration is
// complete.
func (e *Engine) ListPage(prefix string, limit int, cursor string, optFns ...ReadOption) ([]string, string, error) {
	const op = "ListPage"
	start := time.Now()

	keys, next, err := e.listPage(op, prefix, limit, cursor, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return keys, next, err
}

func (e *Engine) listPage(op, prefix string, limit int, cursor string, ro readOptions) ([]string, string, error) {
	// Pages are cut from the merged key list so buffered transaction writes
	// show up exactly as List shows them.
	keys, err := e.list(op, prefix, ro)
	if err != nil {
		return nil, "", err
	}

	if cursor != "" {
		i := sort.SearchStrings(keys, cursor)
		if i < len(keys) && keys[i] == cursor {
			i++
		}
		keys = keys[i:]
	}

	if limit <= 0 || limit >= len(keys) {
		return keys, "", nil
	}
	return keys[:limit], keys[limit-1], nil
}

// History returns the full version history of key in write order, or nil if
// the key was never written.
func (e *Engine) History(key string) ([]VersionInfo, error) {
	const op = "History"
	start := time.Now()

	_, s, _, err := e.withRead(op)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil || s == nil {
		return nil, err
	}

	hist := s.KV.History(key)
	if hist == nil {
		return nil, nil
	}

	out := make([]VersionInfo, len(hist))
	for i, rec := range hist {
		out[i] = VersionInfo{
			Value:     rec.Value,
			Version:   rec.Number,
			Timestamp: toTime(rec.Timestamp),
			Tombstone: rec.Tombstone,
		}
	}
	return out, nil
}

// stagedWrite resolves a buffered write for read-your-writes. It only
// applies to current-state reads within the transaction's own scope.
func (e *Engine) stagedWrite(primitive string, sc scope, key string, ro readOptions) (txn.Write, bool) {
	if ro.asOf != 0 {
		return txn.Write{}, false
	}
	t, ok := e.coord.Active()
	if !ok || t.Branch() != sc.Branch || t.Space() != sc.Space {
		return txn.Write{}, false
	}
	return t.Staged(txn.WriteKey{Primitive: primitive, Space: sc.Space, Key: key})
}

// mergeStagedKeys folds buffered puts and deletes into a committed key list.
func (e *Engine) mergeStagedKeys(keys []string, primitive string, sc scope, prefix string, ro readOptions) []string {
	if ro.asOf != 0 {
		return keys
	}
	t, ok := e.coord.Active()
	if !ok || t.Branch() != sc.Branch || t.Space() != sc.Space {
		return keys
	}

	staged := t.StagedKeys(primitive, sc.Space)
	if len(staged) == 0 {
		return keys
	}

	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	for _, w := range staged {
		if !strings.HasPrefix(w.Key, prefix) {
			continue
		}
		if w.Op == txn.OpDelete {
			delete(set, w.Key)
		} else {
			set[w.Key] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toTime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts)) //nolint:gosec // G115: nanosecond wall clock
}
