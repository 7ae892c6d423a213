package strata

import (
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/eventlog"
	"github.com/hupe1980/strata/wal"
)

// Event is one immutable record of the current branch's event log.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func fromLogEvent(ev eventlog.Event) Event {
	return Event{
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Payload:   ev.Payload,
		Timestamp: toTime(ev.Timestamp),
	}
}

// EventAppend writes an event to the current branch's log under the current
// space and returns its sequence number. Events are immutable and bypass
// transaction buffering.
func (e *Engine) EventAppend(typ string, payload any) (uint64, error) {
	const op = "EventAppend"
	start := time.Now()

	seq, err := e.eventAppend(op, typ, payload)
	e.metrics.RecordWrite(time.Since(start), err)
	return seq, err
}

func (e *Engine) eventAppend(op, typ string, payload any) (uint64, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	norm, err := codec.Roundtrip(e.codec, payload)
	if err != nil {
		return 0, wrapError(KindValidation, op, err, "payload is not encodable")
	}

	var seq uint64
	err = e.withWrite(op, func(b *branch.Branch, _ *branch.Space, sc scope) ([]wal.Record, error) {
		ev := b.Events().Append(sc.Space, typ, norm)
		seq = ev.Sequence
		e.indexEvent(b, sc.Space, ev)

		r, err := e.walRecord(opEventAppend, sc, primitiveEvent, "", ev)
		if err != nil {
			return nil, err
		}
		return []wal.Record{r}, nil
	})
	return seq, err
}

// EventGet returns the event at sequence. An event "does not exist yet"
// before its creation time when read as-of.
func (e *Engine) EventGet(seq uint64, optFns ...ReadOption) (Event, bool, error) {
	const op = "EventGet"
	start := time.Now()

	b, _, _, err := e.withRead(op)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil {
		return Event{}, false, err
	}

	ro := newReadOptions(optFns)
	ev, ok := b.Events().Get(seq, ro.asOf)
	if !ok {
		return Event{}, false, nil
	}
	return fromLogEvent(ev), true, nil
}

// EventList returns the current space's events with exactly the given type,
// in append order.
func (e *Engine) EventList(typ string, optFns ...ReadOption) ([]Event, error) {
	const op = "EventList"
	start := time.Now()

	b, _, sc, err := e.withRead(op)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	ro := newReadOptions(optFns)
	evs := b.Events().ListByType(sc.Space, typ, ro.asOf)

	out := make([]Event, len(evs))
	for i, ev := range evs {
		out[i] = fromLogEvent(ev)
	}
	return out, nil
}

// EventPage returns up to limit events of the current space starting at
// sequence after (pass 0 for the first page), plus the cursor for the next
// page.
func (e *Engine) EventPage(limit int, after uint64, optFns ...ReadOption) ([]Event, uint64, error) {
	const op = "EventPage"
	start := time.Now()

	b, _, sc, err := e.withRead(op)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil {
		return nil, 0, err
	}

	ro := newReadOptions(optFns)
	evs, cursor := b.Events().Page(sc.Space, ro.asOf, limit, after)

	out := make([]Event, len(evs))
	for i, ev := range evs {
		out[i] = fromLogEvent(ev)
	}
	return out, cursor, nil
}

// EventLen returns the number of events appended in the current space.
func (e *Engine) EventLen(optFns ...ReadOption) (int, error) {
	const op = "EventLen"

	b, _, sc, err := e.withRead(op)
	if err != nil {
		return 0, err
	}

	ro := newReadOptions(optFns)
	return b.Events().Len(sc.Space, ro.asOf), nil
}
