package branch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/strata/version"
)

// Fork creates a new branch as a logical snapshot of src. Histories are
// shared structurally with the parent; post-fork writes on either side stay
// invisible to the other. Returns the new branch and the number of keys
// captured in the snapshot.
//
// Space datasets are cloned concurrently; cloning is pure in-memory work, so
// the fan-out is bounded only by the space count.
func (m *Manager) Fork(ctx context.Context, src, name string) (*Branch, int, error) {
	parent, err := m.Get(src)
	if err != nil {
		return nil, 0, err
	}

	parentInfo := parent.Info()
	ts := m.now()

	return m.ForkAs(ctx, src, Info{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        StatusActive,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		ParentID:      parentInfo.ID,
		ParentName:    parentInfo.Name,
		ForkTimestamp: ts,
		Version:       1,
	})
}

// ForkAs forks src into a child carrying the given record verbatim. WAL
// replay uses it to reconstruct a fork with its original identity and fork
// timestamp.
func (m *Manager) ForkAs(ctx context.Context, src string, info Info) (*Branch, int, error) {
	parent, err := m.Get(src)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.branches[info.Name]; ok {
		return nil, 0, &ErrBranchExists{Name: info.Name}
	}

	// Hold the parent's write lock so the snapshot is point-in-time
	// consistent across all of its spaces.
	parent.WriteMu.Lock()
	defer parent.WriteMu.Unlock()

	child := &Branch{
		info:    info,
		counter: &version.Counter{},
		spaces:  make(map[string]*Space),
		now:     m.now,
	}

	// The child's version numbers must stay above everything it inherited.
	child.counter.Observe(parent.counter.Current())

	child.events = parent.events.Fork(m.now)
	child.text = parent.text.Fork()

	parent.mu.RLock()
	names := make([]string, 0, len(parent.spaces))
	for sname := range parent.spaces {
		names = append(names, sname)
	}
	parent.mu.RUnlock()

	var (
		copied   int
		copiedMu sync.Mutex
	)

	g, _ := errgroup.WithContext(ctx)
	for _, sname := range names {
		g.Go(func() error {
			parent.mu.RLock()
			ps := parent.spaces[sname]
			parent.mu.RUnlock()

			cs := &Space{
				KV:      ps.KV.Fork(child.counter.Next, child.now),
				Cells:   ps.Cells.Fork(child.counter.Next, child.now),
				JSON:    ps.JSON.Fork(child.counter.Next, child.now),
				Vectors: ps.Vectors.Fork(child.counter.Next, child.now),
			}

			n := cs.keyCount()

			copiedMu.Lock()
			child.spaces[sname] = cs
			copied += n
			copiedMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	copied += child.events.Size()

	m.branches[info.Name] = child
	return child, copied, nil
}
