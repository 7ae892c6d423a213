// Package txn implements the engine's transaction coordinator: writes made
// inside a transaction are buffered invisibly and applied atomically at
// commit, producing one version per touched key.
package txn

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolledBack"
)

// ErrTxnActive indicates Begin while a transaction is already open on the
// handle.
type ErrTxnActive struct {
	ID string
}

func (e *ErrTxnActive) Error() string {
	return "transaction already active"
}

// ErrNoTxn indicates Commit or Rollback without an active transaction.
type ErrNoTxn struct{}

func (e *ErrNoTxn) Error() string {
	return "no active transaction"
}

// ErrTxnReadOnly indicates a buffered write inside a read-only transaction.
type ErrTxnReadOnly struct {
	ID string
}

func (e *ErrTxnReadOnly) Error() string {
	return "transaction is read-only"
}

// Op identifies a buffered operation kind.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// WriteKey addresses one buffered write. Only the final write per key
// survives buffering.
type WriteKey struct {
	Primitive string
	Space     string
	Key       string
}

// Write is one buffered mutation.
type Write struct {
	WriteKey
	Op    Op
	Value any
}

// Info describes a transaction.
type Info struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	ReadOnly bool   `json:"readOnly"`
	Branch   string `json:"branch"`
	Space    string `json:"space"`
	Writes   int    `json:"writes"`
	BeganAt  uint64 `json:"beganAt"`
}

// Txn is one open transaction. It is owned by a single engine handle and is
// not safe for concurrent use.
type Txn struct {
	info   Info
	writes map[WriteKey]Write
	order  []WriteKey
}

// ID returns the transaction's identifier.
func (t *Txn) ID() string {
	return t.info.ID
}

// ReadOnly reports whether buffered writes are rejected.
func (t *Txn) ReadOnly() bool {
	return t.info.ReadOnly
}

// Branch returns the branch the transaction is bound to.
func (t *Txn) Branch() string {
	return t.info.Branch
}

// Space returns the space the transaction is bound to.
func (t *Txn) Space() string {
	return t.info.Space
}

// Stage buffers a write, replacing any earlier write to the same key. The
// first-write order of distinct keys is preserved for commit.
func (t *Txn) Stage(w Write) error {
	if t.info.ReadOnly {
		return &ErrTxnReadOnly{ID: t.info.ID}
	}
	if _, seen := t.writes[w.WriteKey]; !seen {
		t.order = append(t.order, w.WriteKey)
	}
	t.writes[w.WriteKey] = w
	t.info.Writes = len(t.writes)
	return nil
}

// Staged returns the buffered write for a key, for read-your-writes.
func (t *Txn) Staged(k WriteKey) (Write, bool) {
	w, ok := t.writes[k]
	return w, ok
}

// StagedKeys returns the buffered keys of one primitive and space, for
// merging into list results.
func (t *Txn) StagedKeys(primitive, space string) []Write {
	out := make([]Write, 0)
	for _, k := range t.order {
		if k.Primitive == primitive && k.Space == space {
			out = append(out, t.writes[k])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Writes returns every buffered write in first-write order, for commit.
func (t *Txn) Writes() []Write {
	out := make([]Write, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.writes[k])
	}
	return out
}

// Coordinator tracks the single active transaction of one engine handle.
type Coordinator struct {
	mu     sync.Mutex
	active *Txn
	last   *Info
	now    func() uint64
}

// NewCoordinator creates an idle coordinator drawing timestamps from now.
func NewCoordinator(now func() uint64) *Coordinator {
	return &Coordinator{now: now}
}

// Begin opens a transaction. A second Begin before Commit or Rollback fails.
func (c *Coordinator) Begin(branch, space string, readOnly bool) (*Txn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, &ErrTxnActive{ID: c.active.info.ID}
	}

	t := &Txn{
		info: Info{
			ID:       uuid.NewString(),
			State:    StateActive,
			ReadOnly: readOnly,
			Branch:   branch,
			Space:    space,
			BeganAt:  c.now(),
		},
		writes: make(map[WriteKey]Write),
	}
	c.active = t
	return t, nil
}

// Active returns the open transaction, if any.
func (c *Coordinator) Active() (*Txn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != nil
}

// Info returns the open transaction's record, or the most recently finished
// one's. Reports false when the coordinator has never begun a transaction.
func (c *Coordinator) Info() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active.info, true
	}
	if c.last != nil {
		return *c.last, true
	}
	return Info{}, false
}

// Finish closes the active transaction with the given terminal state. The
// caller applies the buffered writes before calling Finish on commit.
func (c *Coordinator) Finish(state State) (*Txn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, &ErrNoTxn{}
	}

	t := c.active
	t.info.State = state
	info := t.info
	c.last = &info
	c.active = nil
	return t, nil
}
