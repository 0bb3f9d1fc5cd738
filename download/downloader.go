// Package download provides singleflight-based deduplication for concurrent
// fetches. When several callers ask for the same resource at once, only one
// fetch runs and every caller gets its result.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func fetches a resource. The context passed to Func is detached from any
// single caller so that one caller timing out does not cancel the fetch for
// other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

type options struct {
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*options)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{logger: o.logger}
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("download: shared in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry.
func (d *Downloader[T]) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a failed fetch so the next caller retries.
// Context errors belong to one caller, not to the fetch, and are ignored.
func (d *Downloader[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
