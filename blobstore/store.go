// Package blobstore provides storage abstraction for exported branch
// bundles.
//
// Store is a whole-object interface: bundles are single immutable files, so
// backends only need atomic Put/Get semantics. Implementations must be safe
// for concurrent use.
//
// Built-in backends:
//
//   - LocalStore: local filesystem with atomic rename
//   - MemoryStore: in-memory, for tests and ephemeral engines
//   - CachingStore: read-through cache over a remote backend
//   - s3.Store: Amazon S3 with managed multipart uploads
//   - minio.Store: MinIO and other S3-compatible object stores
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store reads and writes immutable blobs by name.
type Store interface {
	// Put writes a blob atomically, replacing any existing blob of the same
	// name.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
