package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/store"
	"github.com/wolfeidau/blob-cache/store/folder"
)

var errRefused = errors.New("refused")

// fakeCache records usage count changes in call order.
type fakeCache struct {
	mu        sync.Mutex
	counts    map[blobcache.BlobID]int
	increases []blobcache.BlobID
	decreases []blobcache.BlobID
	failOn    map[blobcache.BlobID]error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		counts: make(map[blobcache.BlobID]int),
		failOn: make(map[blobcache.BlobID]error),
	}
}

func (c *fakeCache) IncreaseUsageCount(id blobcache.BlobID, _, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failOn[id]; err != nil {
		return err
	}
	c.counts[id]++
	c.increases = append(c.increases, id)
	return nil
}

func (c *fakeCache) DecreaseUsageCount(id blobcache.BlobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]--
	c.decreases = append(c.decreases, id)
}

func (c *fakeCache) CopyFileTo(context.Context, blobcache.BlobID, string) error {
	return nil
}

func (c *fakeCache) count(id blobcache.BlobID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// manifests is an in-memory ManifestFetcher.
type manifests struct {
	mu    sync.Mutex
	byID  map[string]*Manifest
	err   error
	calls atomic.Int32
}

func newManifests(ms ...*Manifest) *manifests {
	f := &manifests{byID: make(map[string]*Manifest)}
	for _, m := range ms {
		f.byID[m.ID] = m
	}
	return f
}

func (f *manifests) fetch(_ context.Context, id string) (*Manifest, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown payload %s", id)
	}
	return m, nil
}

func newTestManager(t *testing.T, cache Cache, fetcher ManifestFetcher, dbPath string) *Manager {
	t.Helper()
	m, err := NewManager(cache, Config{DBPath: dbPath, Fetcher: fetcher, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func manifestOf(id string, entries ...Entry) *Manifest {
	return &Manifest{ID: id, Entries: entries}
}

func entry(path string, id blobcache.BlobID) Entry {
	return Entry{Path: path, BlobID: id, CompressedSize: 10, ContentSize: 20}
}

func TestAcquireCountsEveryEntry(t *testing.T) {
	a, b := blobcache.NewBlobID(), blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a), entry("copy/a", a), entry("b", b)))
	cache := newFakeCache()
	m := newTestManager(t, cache, f.fetch, filepath.Join(t.TempDir(), "payloads.db"))

	got, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, got.Entries, 3)
	require.Equal(t, 2, cache.count(a))
	require.Equal(t, 1, cache.count(b))
	require.Equal(t, []Held{{ID: "p1", Holds: 1}}, m.Held())
}

func TestAcquireRollsBackInReverseOrder(t *testing.T) {
	a, b, c := blobcache.NewBlobID(), blobcache.NewBlobID(), blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a), entry("b", b), entry("c", c)))
	cache := newFakeCache()
	cache.failOn[c] = errRefused
	m := newTestManager(t, cache, f.fetch, filepath.Join(t.TempDir(), "payloads.db"))

	_, err := m.Acquire(context.Background(), "p1")
	require.ErrorIs(t, err, errRefused)
	require.Equal(t, []blobcache.BlobID{a, b}, cache.increases)
	require.Equal(t, []blobcache.BlobID{b, a}, cache.decreases)
	require.Zero(t, cache.count(a))
	require.Zero(t, cache.count(b))
	require.Empty(t, m.Held())
}

func TestAcquireHeldPayloadDoesNotRefetch(t *testing.T) {
	a := blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a)))
	cache := newFakeCache()
	m := newTestManager(t, cache, f.fetch, filepath.Join(t.TempDir(), "payloads.db"))

	for range 3 {
		_, err := m.Acquire(context.Background(), "p1")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), f.calls.Load())
	require.Equal(t, 3, cache.count(a))
	require.Equal(t, []Held{{ID: "p1", Holds: 3}}, m.Held())
}

func TestAcquireConcurrent(t *testing.T) {
	a := blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a)))
	cache := newFakeCache()
	m, err := NewManager(cache, Config{
		DBPath:  filepath.Join(t.TempDir(), "payloads.db"),
		Fetcher: f.fetch,
		NoSync:  true,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "p1")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_ = m.Held()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, n, cache.count(a))
	require.Equal(t, []Held{{ID: "p1", Holds: n}}, m.Held())
}

func TestAcquireRejectsInvalidManifests(t *testing.T) {
	a := blobcache.NewBlobID()
	f := newManifests(
		manifestOf("escape", entry("../outside", a)),
		manifestOf("absolute", entry("/etc/passwd", a)),
		manifestOf("dup", entry("a", a), entry("a", a)),
		manifestOf("zero", entry("a", blobcache.BlobID{})),
	)
	f.byID["renamed"] = manifestOf("other", entry("a", a))
	cache := newFakeCache()
	m := newTestManager(t, cache, f.fetch, filepath.Join(t.TempDir(), "payloads.db"))

	for _, id := range []string{"escape", "absolute", "dup", "zero", "renamed"} {
		_, err := m.Acquire(context.Background(), id)
		require.ErrorIs(t, err, blobcache.ErrInvalidArgument, id)
	}
	_, err := m.Acquire(context.Background(), "")
	require.ErrorIs(t, err, blobcache.ErrInvalidArgument)

	require.Empty(t, cache.increases)
	require.Empty(t, m.Held())
}

func TestAcquireRetriesAfterFetchError(t *testing.T) {
	a := blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a)))
	f.err = errRefused
	m := newTestManager(t, newFakeCache(), f.fetch, filepath.Join(t.TempDir(), "payloads.db"))

	_, err := m.Acquire(context.Background(), "p1")
	require.ErrorIs(t, err, errRefused)

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()

	_, err = m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int32(2), f.calls.Load())
}

func TestAcquireWithoutFetcher(t *testing.T) {
	m := newTestManager(t, newFakeCache(), nil, filepath.Join(t.TempDir(), "payloads.db"))
	_, err := m.Acquire(context.Background(), "p1")
	require.ErrorIs(t, err, blobcache.ErrInvalidOperation)
}

func TestRelease(t *testing.T) {
	a, b := blobcache.NewBlobID(), blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a), entry("b", b)))
	cache := newFakeCache()
	dbPath := filepath.Join(t.TempDir(), "payloads.db")
	m := newTestManager(t, cache, f.fetch, dbPath)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "p1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "p1"))
	require.Equal(t, 1, cache.count(a))
	require.Equal(t, []Held{{ID: "p1", Holds: 1}}, m.Held())

	require.NoError(t, m.Release(ctx, "p1"))
	require.Zero(t, cache.count(a))
	require.Zero(t, cache.count(b))
	require.Empty(t, m.Held())

	require.ErrorIs(t, m.Release(ctx, "p1"), ErrNotHeld)

	// The record is gone, so nothing comes back.
	require.NoError(t, m.Close())
	reopened := newTestManager(t, newFakeCache(), f.fetch, dbPath)
	n, err := reopened.Restore(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRestoreReplaysHolds(t *testing.T) {
	a, b := blobcache.NewBlobID(), blobcache.NewBlobID()
	f := newManifests(manifestOf("p1", entry("a", a), entry("b", b)), manifestOf("p2", entry("b", b)))
	dbPath := filepath.Join(t.TempDir(), "payloads.db")
	ctx := context.Background()

	m := newTestManager(t, newFakeCache(), f.fetch, dbPath)
	for _, id := range []string{"p1", "p1", "p2"} {
		_, err := m.Acquire(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	cache := newFakeCache()
	restarted := newTestManager(t, cache, nil, dbPath)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, cache.count(a))
	require.Equal(t, 3, cache.count(b))
	require.Equal(t, []Held{{ID: "p1", Holds: 2}, {ID: "p2", Holds: 1}}, restarted.Held())

	// Restored manifests are used without a fetcher.
	require.NoError(t, restarted.Release(ctx, "p2"))
	_, err = restarted.Acquire(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3, cache.count(a))
}

func TestRestoreDropsPayloadsThatFail(t *testing.T) {
	a, b := blobcache.NewBlobID(), blobcache.NewBlobID()
	f := newManifests(manifestOf("good", entry("a", a)), manifestOf("bad", entry("a", a), entry("b", b)))
	dbPath := filepath.Join(t.TempDir(), "payloads.db")
	ctx := context.Background()

	m := newTestManager(t, newFakeCache(), f.fetch, dbPath)
	for _, id := range []string{"good", "bad", "bad"} {
		_, err := m.Acquire(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	cache := newFakeCache()
	cache.failOn[b] = errRefused
	restarted := newTestManager(t, cache, nil, dbPath)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, cache.count(a))
	require.Zero(t, cache.count(b))
	require.Equal(t, []Held{{ID: "good", Holds: 1}}, restarted.Held())
	require.NoError(t, restarted.Close())

	again := newTestManager(t, newFakeCache(), nil, dbPath)
	n, err = again.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMaterializeRequiresHold(t *testing.T) {
	m := newTestManager(t, newFakeCache(), nil, filepath.Join(t.TempDir(), "payloads.db"))
	err := m.Materialize(context.Background(), "p1", t.TempDir())
	require.ErrorIs(t, err, ErrNotHeld)
}

func TestMaterializeThroughEngine(t *testing.T) {
	content := map[blobcache.BlobID][]byte{}
	origin := store.OriginFuncs{
		FetchFunc: func(ctx context.Context, id blobcache.BlobID, dst string) error {
			_, err := backend.WriteFileAtomic(ctx, dst, bytes.NewReader(content[id]))
			return err
		},
		CopyFunc: func(ctx context.Context, src, dst string) error {
			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = backend.WriteFileAtomic(ctx, dst, f)
			return err
		},
	}

	a, b := blobcache.NewBlobID(), blobcache.NewBlobID()
	content[a] = []byte("tool binary")
	content[b] = []byte("config")

	engine := store.New(origin, store.WithFolderOptions(folder.WithNoSync(true)))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	require.NoError(t, engine.AddStorageFolder(context.Background(), folder.Config{Path: t.TempDir(), MaximumSize: 1 << 20}))

	f := newManifests(manifestOf("p1",
		Entry{Path: "bin/tool", BlobID: a, CompressedSize: int64(len(content[a])), ContentSize: int64(len(content[a]))},
		Entry{Path: "etc/tool.conf", BlobID: b, CompressedSize: int64(len(content[b])), ContentSize: int64(len(content[b]))},
		Entry{Path: "bin/tool-copy", BlobID: a, CompressedSize: int64(len(content[a])), ContentSize: int64(len(content[a]))},
	))
	m := newTestManager(t, engine, f.fetch, filepath.Join(t.TempDir(), "payloads.db"))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "p1")
	require.NoError(t, err)
	status, ok := engine.BlobStatus(a)
	require.True(t, ok)
	require.Equal(t, int64(2), status.References)

	dir := t.TempDir()
	require.NoError(t, m.Materialize(ctx, "p1", dir))
	for path, id := range map[string]blobcache.BlobID{"bin/tool": a, "etc/tool.conf": b, "bin/tool-copy": a} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		require.NoError(t, err)
		require.Equal(t, content[id], data)
	}

	require.NoError(t, m.Release(ctx, "p1"))
	status, ok = engine.BlobStatus(a)
	require.True(t, ok)
	require.Zero(t, status.References)
}

func TestDirFetcher(t *testing.T) {
	dir := t.TempDir()
	a := blobcache.NewBlobID()
	data := fmt.Sprintf(`{"id":"p1","entries":[{"path":"a","blob_id":%q,"compressed_size":1,"content_size":2}]}`, a.String())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.json"), []byte(data), 0o600))

	fetch := DirFetcher(dir)
	m, err := fetch(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", m.ID)
	require.Equal(t, a, m.Entries[0].BlobID)

	_, err = fetch(context.Background(), "missing")
	require.ErrorIs(t, err, blobcache.ErrInvalidArgument)

	_, err = fetch(context.Background(), "../p1")
	require.ErrorIs(t, err, blobcache.ErrInvalidArgument)
}
