package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	blobcache "github.com/wolfeidau/blob-cache"
)

// Entry places one blob at a relative path of a payload.
type Entry struct {
	Path           string           `json:"path"`
	BlobID         blobcache.BlobID `json:"blob_id"`
	CompressedSize int64            `json:"compressed_size"`
	ContentSize    int64            `json:"content_size"`
}

// Manifest lists the files of a payload. The same blob may appear at
// several paths.
type Manifest struct {
	ID      string  `json:"id"`
	Entries []Entry `json:"entries"`
}

// Validate checks ids, sizes and that every path stays inside the
// materialization directory.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: manifest has no id", blobcache.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		if !filepath.IsLocal(filepath.FromSlash(e.Path)) {
			return fmt.Errorf("%w: payload %s: path %q escapes the payload directory", blobcache.ErrInvalidArgument, m.ID, e.Path)
		}
		if seen[e.Path] {
			return fmt.Errorf("%w: payload %s: duplicate path %q", blobcache.ErrInvalidArgument, m.ID, e.Path)
		}
		seen[e.Path] = true
		if e.BlobID.IsZero() {
			return fmt.Errorf("%w: payload %s: path %q has no blob id", blobcache.ErrInvalidArgument, m.ID, e.Path)
		}
		if e.CompressedSize < 0 || e.ContentSize < 0 {
			return fmt.Errorf("%w: payload %s: path %q has a negative size", blobcache.ErrInvalidArgument, m.ID, e.Path)
		}
	}
	return nil
}

// ManifestFetcher resolves a payload id to its manifest.
type ManifestFetcher func(ctx context.Context, payloadID string) (*Manifest, error)

// DirFetcher reads manifests from <dir>/<payloadID>.json.
func DirFetcher(dir string) ManifestFetcher {
	return func(_ context.Context, payloadID string) (*Manifest, error) {
		name := payloadID + ".json"
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("%w: invalid payload id %q", blobcache.ErrInvalidArgument, payloadID)
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: no manifest for payload %s", blobcache.ErrInvalidArgument, payloadID)
			}
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding manifest %s: %w", payloadID, err)
		}
		return &m, nil
	}
}
