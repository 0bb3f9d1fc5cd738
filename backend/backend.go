// Package backend provides the file access layer used by storage folders.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// WalkFunc is called for every object found by Walk. Returning an error
// stops the walk.
type WalkFunc func(info ObjectInfo) error

// Backend defines the interface for storage backends.
// Keys use "/" as the path separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns size and modification time of the object at key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Walk visits every object in lexical key order. Hidden entries
	// (names starting with ".") at any level are skipped.
	Walk(ctx context.Context, fn WalkFunc) error
}
