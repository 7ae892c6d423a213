package blobstore

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CachingStore is a read-through cache over a remote backend: Get serves
// from the cache when possible, writes go to both. Useful when bundles live
// in object storage but are imported repeatedly.
type CachingStore struct {
	backend Store
	cache   Store

	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup
}

// NewCachingStore wraps backend with cache. Both stores must be usable
// independently; the cache is typically a LocalStore or MemoryStore.
func NewCachingStore(backend, cache Store) *CachingStore {
	return &CachingStore{
		backend:  backend,
		cache:    cache,
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// Put writes through to the backend first, then populates the cache.
// A cache failure does not fail the write.
func (c *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	if err := c.backend.Put(ctx, name, data); err != nil {
		return err
	}
	_ = c.cache.Put(ctx, name, data)
	return nil
}

// Get serves from the cache, falling back to the backend and filling the
// cache on miss. Concurrent misses for the same name fetch once.
func (c *CachingStore) Get(ctx context.Context, name string) ([]byte, error) {
	if data, err := c.cache.Get(ctx, name); err == nil {
		return data, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Single-flight per name.
	c.mu.Lock()
	if wg, ok := c.inflight[name]; ok {
		c.mu.Unlock()
		wg.Wait()
		// The winner populated the cache (or the blob does not exist).
		if data, err := c.cache.Get(ctx, name); err == nil {
			return data, nil
		}
		return c.backend.Get(ctx, name)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight[name] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, name)
		c.mu.Unlock()
		wg.Done()
	}()

	data, err := c.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Put(ctx, name, data)
	return data, nil
}

// Delete removes the blob from both stores.
func (c *CachingStore) Delete(ctx context.Context, name string) error {
	_ = c.cache.Delete(ctx, name)
	return c.backend.Delete(ctx, name)
}

// List delegates to the backend, the source of truth.
func (c *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return c.backend.List(ctx, prefix)
}

// Prefetch warms the cache with every backend blob matching the prefix,
// fetching concurrently with bounded parallelism.
func (c *CachingStore) Prefetch(ctx context.Context, prefix string, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 4
	}

	names, err := c.backend.List(ctx, prefix)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, name := range names {
		g.Go(func() error {
			_, err := c.Get(ctx, name)
			return err
		})
	}
	return g.Wait()
}
