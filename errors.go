package blobcache

import "errors"

var (
	// ErrInvalidArgument is returned for caller contract violations: unknown
	// blob ids, size mismatches, duplicate folders, copies of blobs nobody
	// references.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCacheFull is returned when no storage folder can free enough
	// unreferenced space for a blob. Retry once references are released.
	ErrCacheFull = errors.New("cache full")

	// ErrInvalidOperation is returned when an operation is not allowed in
	// the current state, such as copying a blob out of a folder that is
	// being deleted.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrFolderNotFound is returned when a storage folder is not registered.
	ErrFolderNotFound = errors.New("storage folder not found")
)
