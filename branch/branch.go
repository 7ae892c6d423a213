// Package branch implements the branch and space manager: every branch owns
// an isolated dataset (keyed version stores, an event log, a vector index
// and a text index per space), branches fork as logical snapshots, and the
// manager diffs and merges branches against their fork point.
package branch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/eventlog"
	"github.com/hupe1980/strata/textindex"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
)

// DefaultBranch is the branch every engine starts on. It cannot be deleted.
const DefaultBranch = "default"

// DefaultSpace is the space every branch starts with. It cannot be deleted.
const DefaultSpace = "default"

// Status is the lifecycle state of a branch.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// ErrBranchNotFound indicates an operation against an unknown branch.
type ErrBranchNotFound struct {
	Name string
}

func (e *ErrBranchNotFound) Error() string {
	return fmt.Sprintf("branch %q not found", e.Name)
}

// ErrBranchExists indicates a create or fork using a taken branch name.
type ErrBranchExists struct {
	Name string
}

func (e *ErrBranchExists) Error() string {
	return fmt.Sprintf("branch %q already exists", e.Name)
}

// ErrBranchDeleted indicates an operation against a deleted branch. Deletion
// is terminal.
type ErrBranchDeleted struct {
	Name string
}

func (e *ErrBranchDeleted) Error() string {
	return fmt.Sprintf("branch %q is deleted", e.Name)
}

// ErrBranchProtected indicates an attempt to delete the default branch.
type ErrBranchProtected struct {
	Name string
}

func (e *ErrBranchProtected) Error() string {
	return fmt.Sprintf("branch %q cannot be deleted", e.Name)
}

// ErrSpaceNotFound indicates an operation against an unknown space.
type ErrSpaceNotFound struct {
	Branch string
	Space  string
}

func (e *ErrSpaceNotFound) Error() string {
	return fmt.Sprintf("space %q not found on branch %q", e.Space, e.Branch)
}

// ErrSpaceExists indicates an explicit create of an existing space.
type ErrSpaceExists struct {
	Space string
}

func (e *ErrSpaceExists) Error() string {
	return fmt.Sprintf("space %q already exists", e.Space)
}

// ErrSpaceNotEmpty indicates an unforced delete of a space still holding
// data.
type ErrSpaceNotEmpty struct {
	Space string
}

func (e *ErrSpaceNotEmpty) Error() string {
	return fmt.Sprintf("space %q is not empty", e.Space)
}

// ErrSpaceProtected indicates an attempt to delete the default space.
type ErrSpaceProtected struct {
	Space string
}

func (e *ErrSpaceProtected) Error() string {
	return fmt.Sprintf("space %q cannot be deleted", e.Space)
}

// Info is the public record of a branch.
type Info struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	CreatedAt     uint64 `json:"createdAt"`
	UpdatedAt     uint64 `json:"updatedAt"`
	ParentID      string `json:"parentId,omitempty"`
	ParentName    string `json:"parentName,omitempty"`
	ForkTimestamp uint64 `json:"forkTs,omitempty"`
	Version       uint64 `json:"version"`
}

// Space bundles the keyed primitives of one (branch, space).
type Space struct {
	KV      *version.Store[any]
	Cells   *version.Store[any]
	JSON    *version.Store[map[string]any]
	Vectors *vector.Index
}

// keyCount returns the number of live keys across the space's keyed stores.
func (s *Space) keyCount() int {
	n := s.KV.Len(0) + s.Cells.Len(0) + s.JSON.Len(0)
	for _, info := range s.Vectors.ListCollections() {
		n += info.Count
	}
	return n
}

// Branch owns one isolated dataset.
//
// WriteMu serializes all mutating operations on the branch; readers never
// take it. The manager hands out *Branch values whose datasets share
// immutable history with their fork parent but never observe post-fork
// writes from the other side.
type Branch struct {
	// WriteMu is held by the engine for the duration of every write and
	// every transaction commit against this branch.
	WriteMu sync.Mutex

	mu      sync.RWMutex
	info    Info
	counter *version.Counter
	spaces  map[string]*Space
	events  *eventlog.Log
	text    *textindex.Index
	now     func() uint64
}

func newBranch(info Info, now func() uint64) *Branch {
	b := &Branch{
		info:    info,
		counter: &version.Counter{},
		spaces:  make(map[string]*Space),
		events:  eventlog.New(now),
		text:    textindex.New(),
		now:     now,
	}
	b.spaces[DefaultSpace] = b.newSpace()
	return b
}

func (b *Branch) newSpace() *Space {
	return &Space{
		KV:      version.New[any](b.counter.Next, b.now),
		Cells:   version.New[any](b.counter.Next, b.now),
		JSON:    version.New[map[string]any](b.counter.Next, b.now),
		Vectors: vector.New(b.counter.Next, b.now),
	}
}

// Info returns a copy of the branch record.
func (b *Branch) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// Counter exposes the branch's version counter.
func (b *Branch) Counter() *version.Counter {
	return b.counter
}

// Events exposes the branch's event log.
func (b *Branch) Events() *eventlog.Log {
	return b.events
}

// Text exposes the branch's text index.
func (b *Branch) Text() *textindex.Index {
	return b.text
}

// Space returns the named space if it exists.
func (b *Branch) Space(name string) (*Space, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.spaces[name]
	return s, ok
}

// EnsureSpace returns the named space, creating it on first use. Spaces come
// into existence implicitly on first write.
func (b *Branch) EnsureSpace(name string) *Space {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.spaces[name]
	if !ok {
		s = b.newSpace()
		b.spaces[name] = s
	}
	return s
}

// CreateSpace explicitly creates a space, failing if it exists.
func (b *Branch) CreateSpace(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.spaces[name]; ok {
		return &ErrSpaceExists{Space: name}
	}
	b.spaces[name] = b.newSpace()
	b.touchLocked()
	return nil
}

// DeleteSpace removes a space. A space still holding data is rejected unless
// force is set; the default space is never deletable.
func (b *Branch) DeleteSpace(name string, force bool) error {
	if name == DefaultSpace {
		return &ErrSpaceProtected{Space: name}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.spaces[name]
	if !ok {
		return &ErrSpaceNotFound{Branch: b.info.Name, Space: name}
	}
	if !force && s.keyCount() > 0 {
		return &ErrSpaceNotEmpty{Space: name}
	}
	delete(b.spaces, name)
	b.touchLocked()
	return nil
}

// ListSpaces returns the branch's space names, sorted.
func (b *Branch) ListSpaces() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.spaces))
	for name := range b.spaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Branch) touchLocked() {
	b.info.UpdatedAt = b.now()
	b.info.Version++
}

// Manager owns all branches of one engine.
type Manager struct {
	mu       sync.RWMutex
	branches map[string]*Branch
	now      func() uint64
}

// NewManager creates a manager holding only the default branch.
func NewManager(now func() uint64) *Manager {
	m := &Manager{
		branches: make(map[string]*Branch),
		now:      now,
	}
	ts := now()
	m.branches[DefaultBranch] = newBranch(Info{
		ID:        uuid.NewString(),
		Name:      DefaultBranch,
		Status:    StatusActive,
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   1,
	}, now)
	return m
}

// Get returns an active branch. Unknown names and deleted branches fail.
func (m *Manager) Get(name string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.branches[name]
	if !ok {
		return nil, &ErrBranchNotFound{Name: name}
	}
	if b.Info().Status == StatusDeleted {
		return nil, &ErrBranchDeleted{Name: name}
	}
	return b, nil
}

// Create registers a new empty branch.
func (m *Manager) Create(name string) (*Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.branches[name]; ok {
		return nil, &ErrBranchExists{Name: name}
	}

	ts := m.now()
	b := newBranch(Info{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusActive,
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   1,
	}, m.now)
	m.branches[name] = b
	return b, nil
}

// Delete marks a branch deleted. Deletion is terminal: the name stays taken
// and every later operation on the branch fails.
func (m *Manager) Delete(name string) error {
	if name == DefaultBranch {
		return &ErrBranchProtected{Name: name}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[name]
	if !ok {
		return &ErrBranchNotFound{Name: name}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info.Status == StatusDeleted {
		return &ErrBranchDeleted{Name: name}
	}
	b.info.Status = StatusDeleted
	b.info.UpdatedAt = m.now()
	b.info.Version++
	b.spaces = make(map[string]*Space)
	return nil
}

// List returns the records of all active branches, sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.branches))
	for _, b := range m.branches {
		info := b.Info()
		if info.Status == StatusDeleted {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Range visits every branch, including deleted ones, for persistence.
func (m *Manager) Range(fn func(b *Branch) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.branches))
	for name := range m.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !fn(m.branches[name]) {
			return
		}
	}
}

// Install registers a restored branch verbatim. Used during recovery.
func (m *Manager) Install(b *Branch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.Info().Name] = b
}

// Restore rebuilds a branch handle from a persisted record. The caller
// populates its dataset afterwards.
func Restore(info Info, now func() uint64) *Branch {
	return newBranch(info, now)
}
