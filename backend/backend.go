// Package backend provides the storage area that transient blob payloads are
// written to.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend stores opaque payloads under slash separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing data.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns size and modification time of the data at key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Staged is an in-progress write whose final key is only known once all the
// data has been written, as with content addressed payloads.
type Staged interface {
	io.Writer

	// Commit publishes the staged data at key. If the key already exists the
	// staged data is discarded and the existing payload is kept.
	Commit(ctx context.Context, key string) (created bool, err error)

	// Abort discards the staged data. It is safe to call after Commit.
	Abort() error
}

// StagingBackend is implemented by backends that can stage writes.
type StagingBackend interface {
	Backend

	Stage(ctx context.Context) (Staged, error)
}
