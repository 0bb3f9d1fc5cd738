package origin

import (
	"context"
	"errors"
	"fmt"
	"os"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
)

// Dir serves blobs from a local mirror that uses the cache's shard layout.
type Dir struct {
	mirror backend.Backend
}

// NewDir creates a Dir origin reading from root.
func NewDir(root string) (*Dir, error) {
	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("opening mirror %s: %w", root, err)
	}
	return &Dir{mirror: backend.NewInstrumentedBackend(fs, "mirror")}, nil
}

// Fetch copies a blob out of the mirror into dst.
func (d *Dir) Fetch(ctx context.Context, id blobcache.BlobID, dst string) error {
	r, err := d.mirror.Read(ctx, id.Key())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("reading blob %s from mirror: %w", id, err)
	}
	defer func() { _ = r.Close() }()

	if _, err := backend.WriteFileAtomic(ctx, dst, r); err != nil {
		return fmt.Errorf("storing blob %s: %w", id, err)
	}
	return nil
}

// Copy copies a cached file to dst.
func (d *Dir) Copy(ctx context.Context, src, dst string) error {
	return CopyFile(ctx, src, dst)
}

// CopyFile atomically copies src to dst. dst is replaced if it exists.
func CopyFile(ctx context.Context, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := backend.WriteFileAtomic(ctx, dst, f); err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return nil
}
