package strata

import (
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/wal"
)

// JSONSet writes value at path inside the document stored under key and
// returns the resulting version number. `$` addresses the whole document and
// creates it; any deeper path requires the document to exist. Inside a
// transaction the whole updated document is buffered and JSONSet returns 0.
func (e *Engine) JSONSet(key, path string, value any) (uint64, error) {
	const op = "JSONSet"
	start := time.Now()

	ver, err := e.jsonSet(op, key, path, value)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) jsonSet(op, key, path string, value any) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	segs, err := parsePath(op, path)
	if err != nil {
		return 0, err
	}

	norm, err := codec.Roundtrip(e.codec, value)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "value is not encodable")
	}

	if t, ok := e.coord.Active(); ok {
		doc, found, err := e.jsonCurrentDoc(op, key)
		if err != nil {
			return 0, err
		}
		next, err := e.jsonApplySet(op, doc, found, segs, norm)
		if err != nil {
			return 0, err
		}
		if stageErr := t.Stage(txn.Write{
			WriteKey: txn.WriteKey{Primitive: primitiveJSON, Space: t.Space(), Key: key},
			Op:       txn.OpPut,
			Value:    next,
		}); stageErr != nil {
			return 0, classify(op, stageErr)
		}
		return 0, nil
	}

	var ver uint64
	err = e.withWrite(op, func(b *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		doc, _, found := s.JSON.Get(key, 0)
		next, err := e.jsonApplySet(op, doc, found, segs, norm)
		if err != nil {
			return nil, err
		}

		rec := s.JSON.Put(key, next)
		ver = rec.Number
		e.indexValue(b, primitiveJSON, sc.Space, key, next, false)

		r, err := e.walRecord(opJSONPut, sc, primitiveJSON, key, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, err
}

// jsonApplySet computes the next document from the current one. A missing
// document is only writable at the root path.
func (e *Engine) jsonApplySet(op string, doc map[string]any, found bool, segs []pathSegment, value any) (map[string]any, error) {
	if len(segs) == 0 {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, newError(KindValidation, op, "document root must be an object")
		}
		return m, nil
	}

	if !found {
		return nil, newError(KindNotFound, op, "document does not exist")
	}

	next, err := e.deepCopyDoc(doc)
	if err != nil {
		return nil, wrapError(KindIO, op, err, "copying document")
	}
	if err := setPath(op, next, segs, value); err != nil {
		return nil, err
	}
	return next, nil
}

// JSONGet resolves path against the document stored under key. The second
// result reports whether the addressed node exists.
func (e *Engine) JSONGet(key, path string, optFns ...ReadOption) (any, bool, error) {
	const op = "JSONGet"
	start := time.Now()

	v, ok, err := e.jsonGet(op, key, path, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return v, ok, err
}

func (e *Engine) jsonGet(op, key, path string, ro readOptions) (any, bool, error) {
	segs, err := parsePath(op, path)
	if err != nil {
		return nil, false, err
	}

	_, s, sc, err := e.withRead(op)
	if err != nil {
		return nil, false, err
	}

	var (
		doc   map[string]any
		found bool
	)
	if w, staged := e.stagedWrite(primitiveJSON, sc, key, ro); staged {
		if w.Op != txn.OpDelete {
			doc, found = w.Value.(map[string]any), true
		}
	} else if s != nil {
		doc, _, found = s.JSON.Get(key, ro.asOf)
	}
	if !found {
		return nil, false, nil
	}

	v, ok := resolvePath(doc, segs)
	return v, ok, nil
}

// JSONDelete removes the subtree at path, or tombstones the whole key when
// path is `$`, and returns the resulting version number. A missing document
// or unresolvable path fails with NotFound.
func (e *Engine) JSONDelete(key, path string) (uint64, error) {
	const op = "JSONDelete"
	start := time.Now()

	ver, err := e.jsonDelete(op, key, path)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) jsonDelete(op, key, path string) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	segs, err := parsePath(op, path)
	if err != nil {
		return 0, err
	}

	if t, ok := e.coord.Active(); ok {
		doc, found, err := e.jsonCurrentDoc(op, key)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, newError(KindNotFound, op, "document does not exist")
		}

		w := txn.Write{
			WriteKey: txn.WriteKey{Primitive: primitiveJSON, Space: t.Space(), Key: key},
		}
		if len(segs) == 0 {
			w.Op = txn.OpDelete
		} else {
			next, err := e.deepCopyDoc(doc)
			if err != nil {
				return 0, wrapError(KindIO, op, err, "copying document")
			}
			if !deletePath(next, segs) {
				return 0, newError(KindNotFound, op, "path does not resolve")
			}
			w.Op = txn.OpPut
			w.Value = next
		}
		if stageErr := t.Stage(w); stageErr != nil {
			return 0, classify(op, stageErr)
		}
		return 0, nil
	}

	var ver uint64
	err = e.withWrite(op, func(b *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		doc, _, found := s.JSON.Get(key, 0)
		if !found {
			return nil, newError(KindNotFound, op, "document does not exist")
		}

		if len(segs) == 0 {
			_, rec := s.JSON.Delete(key)
			ver = rec.Number
			e.indexValue(b, primitiveJSON, sc.Space, key, nil, true)

			r, err := e.walRecord(opJSONDelete, sc, primitiveJSON, key, rec)
			if err != nil {
				return nil, err
			}
			return []wal.Record{r}, nil
		}

		next, err := e.deepCopyDoc(doc)
		if err != nil {
			return nil, wrapError(KindIO, op, err, "copying document")
		}
		if !deletePath(next, segs) {
			return nil, newError(KindNotFound, op, "path does not resolve")
		}

		rec := s.JSON.Put(key, next)
		ver = rec.Number
		e.indexValue(b, primitiveJSON, sc.Space, key, next, false)

		r, err := e.walRecord(opJSONPut, sc, primitiveJSON, key, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, err
}

// jsonCurrentDoc reads the current document with read-your-writes, for the
// transactional read-modify-write path.
func (e *Engine) jsonCurrentDoc(op, key string) (map[string]any, bool, error) {
	_, s, sc, err := e.withRead(op)
	if err != nil {
		return nil, false, err
	}

	if w, staged := e.stagedWrite(primitiveJSON, sc, key, readOptions{}); staged {
		if w.Op == txn.OpDelete {
			return nil, false, nil
		}
		doc, _ := w.Value.(map[string]any)
		return doc, doc != nil, nil
	}

	if s == nil {
		return nil, false, nil
	}
	doc, _, found := s.JSON.Get(key, 0)
	return doc, found, nil
}

// deepCopyDoc clones a document so history never aliases a mutated map.
func (e *Engine) deepCopyDoc(doc map[string]any) (map[string]any, error) {
	v, err := codec.Roundtrip(e.codec, doc)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}
