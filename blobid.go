// Package blobcache holds the identifiers, path layout and error values
// shared by the blob cache packages.
package blobcache

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobID is the stable identifier of an immutable file blob.
type BlobID struct {
	uuid.UUID
}

// NewBlobID returns a random BlobID.
func NewBlobID() BlobID {
	return BlobID{UUID: uuid.New()}
}

// ParseBlobID parses any textual uuid form and normalises it.
func ParseBlobID(s string) (BlobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BlobID{}, fmt.Errorf("%w: invalid blob id %q: %v", ErrInvalidArgument, s, err)
	}
	return BlobID{UUID: u}, nil
}

// MustParseBlobID is like ParseBlobID but panics on error.
// Intended for tests and constants.
func MustParseBlobID(s string) BlobID {
	id, err := ParseBlobID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the id is the nil uuid.
func (id BlobID) IsZero() bool {
	return id.UUID == uuid.Nil
}

// Blob storage key layout.

// Key returns the sharded storage key for a blob.
// Format: {hex[0:2]}/{hex[2:4]}/{id}
func (id BlobID) Key() string {
	s := id.String()
	return s[:2] + "/" + s[2:4] + "/" + s
}

// Path returns the on-disk location of the blob below root.
func (id BlobID) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(id.Key()))
}

// ParseBlobKey extracts a BlobID from a storage key. The shard directories
// must agree with the id.
func ParseBlobKey(key string) (BlobID, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return BlobID{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	id, err := ParseBlobID(parts[2])
	if err != nil {
		return BlobID{}, err
	}
	if id.Key() != key {
		return BlobID{}, fmt.Errorf("blob key not in canonical layout: %s", key)
	}
	return id, nil
}
