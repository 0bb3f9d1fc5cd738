package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/origin"
	"github.com/wolfeidau/blob-cache/payload"
	"github.com/wolfeidau/blob-cache/store"
	"github.com/wolfeidau/blob-cache/store/folder"
)

const payloadDBName = "payloads.db"

// FolderSpec is a storage folder given as PATH=SIZE.
type FolderSpec struct {
	Path        string
	MaximumSize int64
}

// UnmarshalText parses PATH=SIZE where SIZE is a byte count such as 512MiB.
func (f *FolderSpec) UnmarshalText(text []byte) error {
	s := string(text)
	i := strings.LastIndex(s, "=")
	if i <= 0 || i == len(s)-1 {
		return fmt.Errorf("%w: folder %q must be PATH=SIZE", blobcache.ErrInvalidArgument, s)
	}
	size, err := humanize.ParseBytes(s[i+1:])
	if err != nil {
		return fmt.Errorf("%w: folder %q: %v", blobcache.ErrInvalidArgument, s, err)
	}
	f.Path = s[:i]
	f.MaximumSize = int64(size)
	return nil
}

func (f FolderSpec) String() string {
	return f.Path + "=" + humanize.IBytes(uint64(f.MaximumSize))
}

// cache is an open engine plus the payload manager on top of it.
type cache struct {
	engine   *store.Engine
	payloads *payload.Manager
}

// openCache adds every configured folder and restores persisted payload
// holds.
func openCache(ctx context.Context, g *Globals) (*cache, error) {
	if len(g.Folders) == 0 {
		return nil, fmt.Errorf("%w: at least one --folder is required", blobcache.ErrInvalidArgument)
	}

	src, fetcher, err := newOrigin(g)
	if err != nil {
		return nil, err
	}

	engine := store.New(src, store.WithLogger(g.logger))
	for _, spec := range g.Folders {
		if err := engine.AddStorageFolder(ctx, folder.Config{Path: spec.Path, MaximumSize: spec.MaximumSize}); err != nil {
			_ = engine.Close(ctx)
			return nil, fmt.Errorf("adding folder %s: %w", spec.Path, err)
		}
	}

	mgr, err := payload.NewManager(engine, payload.Config{
		DBPath:  filepath.Join(g.StateDir, payloadDBName),
		Fetcher: fetcher,
		Logger:  g.logger,
	})
	if err != nil {
		_ = engine.Close(ctx)
		return nil, err
	}
	if _, err := mgr.Restore(ctx); err != nil {
		_ = mgr.Close()
		_ = engine.Close(ctx)
		return nil, err
	}

	return &cache{engine: engine, payloads: mgr}, nil
}

// Close persists folder state and closes everything.
func (c *cache) Close(ctx context.Context) error {
	return errors.Join(c.payloads.Close(), c.engine.Close(ctx))
}

// newOrigin picks the blob origin and manifest source from the flags.
func newOrigin(g *Globals) (store.Origin, payload.ManifestFetcher, error) {
	var fetcher payload.ManifestFetcher
	if g.Manifests != "" {
		fetcher = payload.DirFetcher(g.Manifests)
	}

	switch {
	case strings.HasPrefix(g.Origin, "http://"), strings.HasPrefix(g.Origin, "https://"):
		h, err := origin.NewHTTP(g.Origin)
		if err != nil {
			return nil, nil, err
		}
		if fetcher == nil {
			fetcher = h.Manifest
		}
		return h, fetcher, nil
	case g.Origin != "":
		d, err := origin.NewDir(g.Origin)
		if err != nil {
			return nil, nil, err
		}
		return d, fetcher, nil
	default:
		return store.OriginFuncs{
			FetchFunc: func(context.Context, blobcache.BlobID, string) error {
				return fmt.Errorf("%w: no origin configured", blobcache.ErrInvalidOperation)
			},
			CopyFunc: origin.CopyFile,
		}, fetcher, nil
	}
}
