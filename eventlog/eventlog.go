// Package eventlog implements the append-only typed event log primitive.
//
// Unlike the version store there is no overwrite and no compare-and-swap:
// an event is written once, its sequence slot is reserved forever, and
// history is the log itself.
package eventlog

import (
	"sync"
)

// Event is one immutable record in the log.
//
// NOTE: This is also used for persistence (snapshots, bundles); keep it stable.
type Event struct {
	Sequence  uint64 `json:"seq"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp uint64 `json:"ts"`
	Space     string `json:"space"`
}

// Log is a branch-scoped event log. Sequence numbers start at 0 and are
// gapless within the branch; every event additionally carries the space it
// was appended under.
type Log struct {
	mu     sync.RWMutex
	events []Event
	now    func() uint64
}

// New creates an empty Log stamping events from now.
func New(now func() uint64) *Log {
	return &Log{now: now}
}

// Append writes an event and returns it. The assigned sequence is
// len(log)-1 at the time of the append: gapless, starting at 0.
func (l *Log) Append(space, typ string, payload any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Sequence:  uint64(len(l.events)),
		Type:      typ,
		Payload:   payload,
		Timestamp: l.now(),
		Space:     space,
	}
	l.events = append(l.events, ev)
	return ev
}

// Get returns the event at sequence, visible at asOf (0 = now). An event
// "does not exist yet" before its creation time even though its sequence slot
// is permanently reserved.
func (l *Log) Get(seq uint64, asOf uint64) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq >= uint64(len(l.events)) {
		return Event{}, false
	}
	ev := l.events[seq]
	if asOf != 0 && ev.Timestamp > asOf {
		return Event{}, false
	}
	return ev, true
}

// ListByType returns the events in space with exactly the given type, visible
// at asOf, preserving append order.
func (l *Log) ListByType(space, typ string, asOf uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Space != space || ev.Type != typ {
			continue
		}
		if asOf != 0 && ev.Timestamp > asOf {
			break // Append order means every later event is newer.
		}
		out = append(out, ev)
	}
	return out
}

// Page returns up to limit events in space starting at sequence after
// (inclusive; pass 0 for the first page), in append order, plus the cursor
// for the next page. The returned cursor is one past the last sequence
// looked at, so feeding it back continues the enumeration without overlap.
func (l *Log) Page(space string, asOf uint64, limit int, after uint64) ([]Event, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	cursor := after
	for i := after; i < uint64(len(l.events)); i++ {
		ev := l.events[i]
		if asOf != 0 && ev.Timestamp > asOf {
			break
		}
		cursor = ev.Sequence + 1
		if ev.Space != space {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, cursor
}

// Len returns the number of events appended in space (asOf 0 = now).
func (l *Log) Len(space string, asOf uint64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, ev := range l.events {
		if asOf != 0 && ev.Timestamp > asOf {
			break
		}
		if ev.Space == space {
			n++
		}
	}
	return n
}

// Size returns the total number of events in the branch, across all spaces.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// TimeRange reports the oldest and latest event timestamps.
func (l *Log) TimeRange() (oldest, latest uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return 0, 0, false
	}
	return l.events[0].Timestamp, l.events[len(l.events)-1].Timestamp, true
}

// Apply installs an event verbatim, preserving sequence and timestamp. The
// replay path for WAL recovery and bundle import; the caller is responsible
// for replaying in order.
func (l *Log) Apply(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Sequence != uint64(len(l.events)) {
		// Out-of-order replay would break the gapless invariant; drop the
		// event rather than corrupt the log.
		return
	}
	l.events = append(l.events, ev)
}

// Fork returns a snapshot copy wired to a new clock.
func (l *Log) Fork(now func() uint64) *Log {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := New(now)
	out.events = make([]Event, len(l.events))
	copy(out.events, l.events)
	return out
}

// Range calls fn for every event in append order. Used by snapshots, diffs
// and bundle export.
func (l *Log) Range(fn func(ev Event) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ev := range l.events {
		if !fn(ev) {
			return
		}
	}
}
