package store

import (
	"context"

	blobcache "github.com/wolfeidau/blob-cache"
)

// Origin supplies blob bytes to the cache and copies cached files out.
//
// Fetch must leave a complete file of the blob's compressed size at dst.
// Errors from either method are returned to callers unchanged.
type Origin interface {
	Fetch(ctx context.Context, id blobcache.BlobID, dst string) error
	Copy(ctx context.Context, src, dst string) error
}

// OriginFuncs adapts a pair of functions to Origin.
type OriginFuncs struct {
	FetchFunc func(ctx context.Context, id blobcache.BlobID, dst string) error
	CopyFunc  func(ctx context.Context, src, dst string) error
}

// Fetch calls FetchFunc.
func (o OriginFuncs) Fetch(ctx context.Context, id blobcache.BlobID, dst string) error {
	return o.FetchFunc(ctx, id, dst)
}

// Copy calls CopyFunc.
func (o OriginFuncs) Copy(ctx context.Context, src, dst string) error {
	return o.CopyFunc(ctx, src, dst)
}
