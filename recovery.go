package strata

import (
	"context"
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/eventlog"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
	"github.com/hupe1980/strata/wal"
)

// WAL operation vocabulary. Every committed write is logged as exactly one
// record; replay applies records verbatim on top of the latest snapshot.
const (
	opKVPut        wal.Op = "kv.put"
	opKVDelete     wal.Op = "kv.delete"
	opCellPut      wal.Op = "cell.put"
	opJSONPut      wal.Op = "json.put"
	opJSONDelete   wal.Op = "json.delete"
	opEventAppend  wal.Op = "event.append"
	opVectorCreate wal.Op = "vector.create"
	opVectorDrop   wal.Op = "vector.drop"
	opVectorPut    wal.Op = "vector.put"
	opVectorDelete wal.Op = "vector.delete"
	opBranchCreate wal.Op = "branch.create"
	opBranchFork   wal.Op = "branch.fork"
	opBranchDelete wal.Op = "branch.delete"
	opSpaceCreate  wal.Op = "space.create"
	opSpaceDelete  wal.Op = "space.delete"
)

const (
	primitiveKV     = "kv"
	primitiveCell   = "cell"
	primitiveJSON   = "json"
	primitiveEvent  = "event"
	primitiveVector = "vector"
)

// walVectorEntry is the payload of vector.put and vector.delete records. The
// collection travels in the payload because the record's Key field addresses
// the entry key.
type walVectorEntry struct {
	Collection string                        `json:"collection"`
	Record     version.Record[vector.Record] `json:"record"`
}

func (e *Engine) walRecord(op wal.Op, sc scope, primitive, key string, body any) (wal.Record, error) {
	rec := wal.Record{
		Op:        op,
		Branch:    sc.Branch,
		Space:     sc.Space,
		Primitive: primitive,
		Key:       key,
	}
	if body != nil {
		payload, err := e.codec.Marshal(body)
		if err != nil {
			return wal.Record{}, err
		}
		rec.Payload = payload
	}
	return rec, nil
}

// logRecords appends the records with a single durability boundary. Memory
// only engines skip logging entirely.
func (e *Engine) logRecords(recs []wal.Record) error {
	if e.wal == nil || len(recs) == 0 {
		return nil
	}
	if len(recs) == 1 {
		return e.wal.Append(recs[0])
	}
	return e.wal.AppendBatch(recs)
}

func (e *Engine) replayWAL() error {
	start := time.Now()

	count := 0
	err := e.wal.Replay(func(rec wal.Record) error {
		count++
		return e.applyWALRecord(rec)
	})
	if err != nil {
		return err
	}

	if count > 0 {
		e.logger.Info("wal replayed", "records", count, "took", time.Since(start))
	}
	return nil
}

// applyWALRecord installs one replayed operation. Records referencing state
// that no longer resolves (for example a branch deleted later in the log) are
// skipped rather than failing recovery.
func (e *Engine) applyWALRecord(rec wal.Record) error {
	switch rec.Op {
	case opBranchCreate:
		var info branch.Info
		if err := e.codec.Unmarshal(rec.Payload, &info); err != nil {
			return err
		}
		e.branches.Install(branch.Restore(info, e.clock.Next))
		e.clock.Observe(info.UpdatedAt)
		return nil

	case opBranchFork:
		var info branch.Info
		if err := e.codec.Unmarshal(rec.Payload, &info); err != nil {
			return err
		}
		if _, _, err := e.branches.ForkAs(context.Background(), rec.Branch, info); err != nil {
			e.logger.Warn("wal fork replay skipped", "branch", info.Name, "err", err)
		}
		e.clock.Observe(info.ForkTimestamp)
		return nil

	case opBranchDelete:
		if err := e.branches.Delete(rec.Branch); err != nil {
			e.logger.Warn("wal branch delete replay skipped", "branch", rec.Branch, "err", err)
		}
		return nil
	}

	b, err := e.branches.Get(rec.Branch)
	if err != nil {
		e.logger.Warn("wal record replay skipped", "op", string(rec.Op), "branch", rec.Branch, "err", err)
		return nil
	}

	switch rec.Op {
	case opSpaceCreate:
		b.EnsureSpace(rec.Space)
		return nil

	case opSpaceDelete:
		if err := b.DeleteSpace(rec.Space, true); err != nil {
			e.logger.Warn("wal space delete replay skipped", "space", rec.Space, "err", err)
		}
		return nil

	case opEventAppend:
		var ev eventlog.Event
		if err := e.codec.Unmarshal(rec.Payload, &ev); err != nil {
			return err
		}
		b.Events().Apply(ev)
		e.indexEvent(b, rec.Space, ev)
		e.clock.Observe(ev.Timestamp)
		return nil
	}

	s := b.EnsureSpace(rec.Space)

	switch rec.Op {
	case opKVPut, opKVDelete:
		var vr version.Record[any]
		if err := e.codec.Unmarshal(rec.Payload, &vr); err != nil {
			return err
		}
		s.KV.Apply(rec.Key, vr)
		e.indexValue(b, primitiveKV, rec.Space, rec.Key, vr.Value, vr.Tombstone)
		e.observeRecord(b, vr.Number, vr.Timestamp)

	case opCellPut:
		var vr version.Record[any]
		if err := e.codec.Unmarshal(rec.Payload, &vr); err != nil {
			return err
		}
		s.Cells.Apply(rec.Key, vr)
		e.observeRecord(b, vr.Number, vr.Timestamp)

	case opJSONPut, opJSONDelete:
		var vr version.Record[map[string]any]
		if err := e.codec.Unmarshal(rec.Payload, &vr); err != nil {
			return err
		}
		s.JSON.Apply(rec.Key, vr)
		e.indexValue(b, primitiveJSON, rec.Space, rec.Key, vr.Value, vr.Tombstone)
		e.observeRecord(b, vr.Number, vr.Timestamp)

	case opVectorCreate:
		var info vector.CollectionInfo
		if err := e.codec.Unmarshal(rec.Payload, &info); err != nil {
			return err
		}
		s.Vectors.ApplyCreateCollection(info)
		e.observeRecord(b, info.Version, info.Timestamp)

	case opVectorDrop:
		s.Vectors.DeleteCollection(rec.Key)

	case opVectorPut, opVectorDelete:
		var entry walVectorEntry
		if err := e.codec.Unmarshal(rec.Payload, &entry); err != nil {
			return err
		}
		if err := s.Vectors.Apply(entry.Collection, rec.Key, entry.Record); err != nil {
			e.logger.Warn("wal vector replay skipped", "collection", entry.Collection, "key", rec.Key, "err", err)
			return nil
		}
		e.observeRecord(b, entry.Record.Number, entry.Record.Timestamp)

	default:
		// Unknown ops from a newer writer are skipped, not fatal.
		e.logger.Warn("wal record with unknown op skipped", "op", string(rec.Op))
	}
	return nil
}

// observeRecord advances the branch counter and the engine clock past a
// replayed record so fresh writes never collide with replayed ones.
func (e *Engine) observeRecord(b *branch.Branch, number, ts uint64) {
	b.Counter().Observe(number)
	e.clock.Observe(ts)
}
