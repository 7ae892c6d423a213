package strata

import (
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/wal"
)

// StateSet writes a new version of a state cell and returns its version
// number. Inside a transaction the write is buffered and StateSet returns 0.
func (e *Engine) StateSet(cell string, value any) (uint64, error) {
	const op = "StateSet"
	start := time.Now()

	ver, err := e.stateSet(op, cell, value)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, err
}

func (e *Engine) stateSet(op, cell string, value any) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	norm, err := codec.Roundtrip(e.codec, value)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "value is not encodable")
	}

	if t, ok := e.coord.Active(); ok {
		if err := t.Stage(txn.Write{
			WriteKey: txn.WriteKey{Primitive: primitiveCell, Space: t.Space(), Key: cell},
			Op:       txn.OpPut,
			Value:    norm,
		}); err != nil {
			return 0, classify(op, err)
		}
		return 0, nil
	}

	var ver uint64
	err = e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		rec := s.Cells.Put(cell, norm)
		ver = rec.Number

		r, err := e.walRecord(opCellPut, sc, primitiveCell, cell, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, err
}

// StateGet returns the current (or as-of) value of a state cell.
func (e *Engine) StateGet(cell string, optFns ...ReadOption) (any, bool, error) {
	const op = "StateGet"
	start := time.Now()

	v, ok, err := e.stateGet(op, cell, newReadOptions(optFns))
	e.metrics.RecordRead(time.Since(start), err)
	return v, ok, err
}

func (e *Engine) stateGet(op, cell string, ro readOptions) (any, bool, error) {
	_, s, sc, err := e.withRead(op)
	if err != nil {
		return nil, false, err
	}

	if w, staged := e.stagedWrite(primitiveCell, sc, cell, ro); staged {
		if w.Op == txn.OpDelete {
			return nil, false, nil
		}
		return w.Value, true, nil
	}

	if s == nil {
		return nil, false, nil
	}
	v, _, ok := s.Cells.Get(cell, ro.asOf)
	return v, ok, nil
}

// StateVersion returns the version number of the cell's live value, or 0
// when the cell is absent. Feed it into CAS for optimistic retry loops.
func (e *Engine) StateVersion(cell string) (uint64, error) {
	const op = "StateVersion"

	_, s, _, err := e.withRead(op)
	if err != nil || s == nil {
		return 0, err
	}
	return s.Cells.CurrentVersion(cell), nil
}

// CAS writes value only if the cell's current version equals expected. On
// mismatch it returns (0, false, nil) with no side effects: a failed compare
// is the expected branch of an optimistic retry loop, not an error.
//
// CAS applies immediately even while a transaction is active; it is an
// atomic operation against committed state.
func (e *Engine) CAS(cell string, value any, expected uint64) (uint64, bool, error) {
	const op = "CAS"
	start := time.Now()

	ver, ok, err := e.cas(op, cell, value, expected)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, ok, err
}

func (e *Engine) cas(op, cell string, value any, expected uint64) (uint64, bool, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, false, err
	}

	norm, err := codec.Roundtrip(e.codec, value)
	if err != nil {
		return 0, false, wrapError(KindValidation, op, err, "value is not encodable")
	}

	var (
		ver     uint64
		swapped bool
	)
	err = e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		rec, ok := s.Cells.CAS(cell, norm, expected)
		if !ok {
			return nil, nil
		}
		ver, swapped = rec.Number, true

		r, err := e.walRecord(opCellPut, sc, primitiveCell, cell, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, swapped, err
}

// StateInit writes value only if the cell has no live version; otherwise it
// is a no-op returning the existing version. The second result reports
// whether the write happened.
func (e *Engine) StateInit(cell string, value any) (uint64, bool, error) {
	const op = "StateInit"
	start := time.Now()

	ver, wrote, err := e.stateInit(op, cell, value)
	e.metrics.RecordWrite(time.Since(start), err)
	return ver, wrote, err
}

func (e *Engine) stateInit(op, cell string, value any) (uint64, bool, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, false, err
	}

	norm, err := codec.Roundtrip(e.codec, value)
	if err != nil {
		return 0, false, wrapError(KindValidation, op, err, "value is not encodable")
	}

	var (
		ver   uint64
		wrote bool
	)
	err = e.withWrite(op, func(_ *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error) {
		rec, created := s.Cells.Init(cell, norm)
		ver, wrote = rec.Number, created
		if !created {
			return nil, nil
		}

		r, err := e.walRecord(opCellPut, sc, primitiveCell, cell, rec)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return ver, wrote, err
}
