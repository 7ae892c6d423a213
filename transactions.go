package strata

import (
	"context"
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/wal"
)

// TxnInfo describes the handle's active transaction.
type TxnInfo struct {
	ID       string    `json:"id"`
	ReadOnly bool      `json:"readOnly"`
	Branch   string    `json:"branch"`
	Space    string    `json:"space"`
	Writes   int       `json:"writes"`
	BeganAt  time.Time `json:"beganAt"`
}

// Begin opens a transaction bound to the current scope and returns its id.
// KV, state-cell and JSON writes are buffered invisibly until Commit; a
// second Begin before the first transaction finishes fails.
func (e *Engine) Begin(readOnly bool) (string, error) {
	const op = "Begin"

	if err := e.checkOpen(op); err != nil {
		return "", err
	}

	sc := e.scope()
	if _, err := e.branchFor(op, sc.Branch); err != nil {
		return "", err
	}

	t, err := e.coord.Begin(sc.Branch, sc.Space, readOnly)
	if err != nil {
		return "", classify(op, err)
	}
	e.logger.Debug("transaction started",
		"txn", t.ID(), "branch", sc.Branch, "space", sc.Space, "readOnly", readOnly)
	return t.ID(), nil
}

// Commit applies the buffered writes atomically, in first-write order with
// one version per touched key, and returns the branch version after the
// transaction.
func (e *Engine) Commit() (uint64, error) {
	const op = "Commit"
	start := time.Now()

	var keys int
	ver, err := e.commit(op, &keys)
	e.metrics.RecordCommit(keys, time.Since(start), err)
	return ver, err
}

func (e *Engine) commit(op string, keys *int) (uint64, error) {
	if err := e.checkOpen(op); err != nil {
		return 0, err
	}

	t, ok := e.coord.Active()
	if !ok {
		return 0, classify(op, &txn.ErrNoTxn{})
	}
	*keys = len(t.Writes())

	b, err := e.branchFor(op, t.Branch())
	if err != nil {
		return 0, err
	}

	b.WriteMu.Lock()
	recs := e.applyWrites(b, t)
	logErr := e.logRecords(recs)
	ver := b.Counter().Current()
	b.WriteMu.Unlock()

	if logErr != nil {
		e.logger.LogCommit(context.Background(), t.ID(), *keys, 0, logErr)
		return 0, translateError(op, logErr)
	}

	if _, err := e.coord.Finish(txn.StateCommitted); err != nil {
		return 0, classify(op, err)
	}
	e.logger.LogCommit(context.Background(), t.ID(), *keys, ver, nil)
	return ver, nil
}

// applyWrites installs a transaction's buffered writes under the branch write
// lock and returns the WAL records to log.
func (e *Engine) applyWrites(b *branch.Branch, t *txn.Txn) []wal.Record {
	writes := t.Writes()
	recs := make([]wal.Record, 0, len(writes))

	appendRec := func(r wal.Record, err error) {
		if err != nil {
			// Encoding a just-stored record cannot fail for roundtripped
			// values; log and keep the in-memory write.
			e.logger.Warn("dropping unencodable log record", "key", r.Key, "error", err)
			return
		}
		recs = append(recs, r)
	}

	for _, w := range writes {
		s := b.EnsureSpace(w.Space)
		sc := scope{Branch: t.Branch(), Space: w.Space}

		switch w.Primitive {
		case primitiveKV:
			if w.Op == txn.OpDelete {
				ok, rec := s.KV.Delete(w.Key)
				if !ok {
					continue
				}
				e.indexValue(b, primitiveKV, w.Space, w.Key, nil, true)
				appendRec(e.walRecord(opKVDelete, sc, primitiveKV, w.Key, rec))
			} else {
				rec := s.KV.Put(w.Key, w.Value)
				e.indexValue(b, primitiveKV, w.Space, w.Key, w.Value, false)
				appendRec(e.walRecord(opKVPut, sc, primitiveKV, w.Key, rec))
			}

		case primitiveCell:
			rec := s.Cells.Put(w.Key, w.Value)
			appendRec(e.walRecord(opCellPut, sc, primitiveCell, w.Key, rec))

		case primitiveJSON:
			if w.Op == txn.OpDelete {
				ok, rec := s.JSON.Delete(w.Key)
				if !ok {
					continue
				}
				e.indexValue(b, primitiveJSON, w.Space, w.Key, nil, true)
				appendRec(e.walRecord(opJSONDelete, sc, primitiveJSON, w.Key, rec))
			} else {
				doc, _ := w.Value.(map[string]any)
				rec := s.JSON.Put(w.Key, doc)
				e.indexValue(b, primitiveJSON, w.Space, w.Key, doc, false)
				appendRec(e.walRecord(opJSONPut, sc, primitiveJSON, w.Key, rec))
			}
		}
	}
	return recs
}

// Rollback discards the active transaction's buffered writes.
func (e *Engine) Rollback() error {
	const op = "Rollback"

	if err := e.checkOpen(op); err != nil {
		return err
	}

	t, err := e.coord.Finish(txn.StateRolledBack)
	if err != nil {
		return classify(op, err)
	}
	e.logger.Debug("transaction rolled back", "txn", t.ID(), "writes", len(t.Writes()))
	return nil
}

// TxnIsActive reports whether the handle has an open transaction.
func (e *Engine) TxnIsActive() bool {
	_, ok := e.coord.Active()
	return ok
}

// TxnInfo returns the open transaction's descriptor. Reports false when no
// transaction is active.
func (e *Engine) TxnInfo() (TxnInfo, bool) {
	info, ok := e.coord.Info()
	if !ok || info.State != txn.StateActive {
		return TxnInfo{}, false
	}
	return TxnInfo{
		ID:       info.ID,
		ReadOnly: info.ReadOnly,
		Branch:   info.Branch,
		Space:    info.Space,
		Writes:   info.Writes,
		BeganAt:  toTime(info.BeganAt),
	}, true
}
