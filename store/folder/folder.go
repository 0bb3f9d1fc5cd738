// Package folder manages one capacity-bounded directory of cached blob files
// and its persisted index.
//
// A Folder is not safe for concurrent use. The cache engine serialises every
// bookkeeping call; Persist, Close, Destroy and the file methods (Present,
// FileSize, DeleteFile) may run alongside them.
package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// IndexFileName is the bbolt index kept at the root of every folder.
const IndexFileName = ".blobcache.db"

// ErrClosed is returned by Persist after Close or Destroy.
var ErrClosed = errors.New("storage folder closed")

// State is the bucket a blob belongs to.
type State string

const (
	StateReferenced   State = "referenced"
	StateUnreferenced State = "unreferenced"
	StateZombie       State = "zombie"
)

// Entry describes one blob held by a folder.
type Entry struct {
	ID             blobcache.BlobID `json:"id"`
	CompressedSize int64            `json:"compressed_size"`
	ContentSize    int64            `json:"content_size"`
	State          State            `json:"state"`

	// Pending marks a reservation whose file is still being fetched.
	Pending bool `json:"-"`
}

// Config identifies a folder and bounds its size.
type Config struct {
	Path        string `json:"path"`
	MaximumSize int64  `json:"maximum_size"`
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: storage folder path is empty", blobcache.ErrInvalidArgument)
	}
	if c.MaximumSize < 0 {
		return fmt.Errorf("%w: negative maximum size %d", blobcache.ErrInvalidArgument, c.MaximumSize)
	}
	return nil
}

// Status is a point-in-time view of folder occupancy.
type Status struct {
	Path             string `json:"path"`
	MaximumSize      int64  `json:"maximum_size"`
	CurrentSize      int64  `json:"current_size"`
	UnreferencedSize int64  `json:"unreferenced_size"`
	ZombieSize       int64  `json:"zombie_size"`
}

// ReferencedSize is the part of CurrentSize held by referenced blobs and
// pending reservations.
func (s Status) ReferencedSize() int64 {
	return s.CurrentSize - s.UnreferencedSize - s.ZombieSize
}

type options struct {
	logger     *slog.Logger
	newBackend func(root string) (backend.Backend, error)
	noSync     bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBackend replaces the file access layer. The function receives the
// canonical folder path.
func WithBackend(fn func(root string) (backend.Backend, error)) Option {
	return func(o *options) {
		o.newBackend = fn
	}
}

// WithNoSync disables fsync on index commits.
// WARNING: Use only for testing, a crash can lose the index.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}

// DefaultBackend is an instrumented filesystem backend rooted at root.
func DefaultBackend(root string) (backend.Backend, error) {
	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, err
	}
	return backend.NewInstrumentedBackend(fs, "filesystem"), nil
}

// Folder tracks the blobs stored below one directory.
type Folder struct {
	path    string
	maximum int64

	current      int64
	unreferenced int64
	zombie       int64

	referenced *queue
	unref      *queue
	zombies    map[blobcache.BlobID]*item

	backend backend.Backend
	logger  *slog.Logger

	dbMu sync.Mutex
	db   *bbolt.DB
}

// Canonicalize returns the absolute, cleaned, symlink-resolved form of path.
// Paths that do not exist yet are returned absolute and cleaned.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: storage folder path is empty", blobcache.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Resolve the part that exists so a folder created later keeps
			// the same canonical path.
			parent := filepath.Dir(abs)
			if parent == abs {
				return abs, nil
			}
			p, err := Canonicalize(parent)
			if err != nil {
				return "", err
			}
			return filepath.Join(p, filepath.Base(abs)), nil
		}
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return resolved, nil
}

// Open creates or reloads the folder described by cfg.
//
// A directory that already holds files but no index is rejected with
// ErrInvalidArgument. On reload every stray, modified or truncated file is
// removed and every entry whose file is gone is dropped. All surviving blobs
// start unreferenced.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Folder, error) {
	o := options{
		logger:     slog.Default(),
		newBackend: DefaultBackend,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := Canonicalize(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating storage folder %s: %v", blobcache.ErrInvalidArgument, abs, err)
	}
	path, err := Canonicalize(abs)
	if err != nil {
		return nil, err
	}

	indexPath := filepath.Join(path, IndexFileName)
	if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading storage folder %s: %w", path, err)
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("%w: %s is not empty and has no blob index", blobcache.ErrInvalidArgument, path)
		}
	}

	b, err := o.newBackend(path)
	if err != nil {
		return nil, fmt.Errorf("creating backend for %s: %w", path, err)
	}

	db, err := openIndex(indexPath, o.noSync)
	if err != nil {
		return nil, err
	}

	f := &Folder{
		path:       path,
		maximum:    cfg.MaximumSize,
		referenced: newQueue(),
		unref:      newQueue(),
		zombies:    make(map[blobcache.BlobID]*item),
		backend:    b,
		logger:     o.logger.With("folder", path),
		db:         db,
	}
	if err := f.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	f.observe()
	return f, nil
}

// Path returns the canonical folder path.
func (f *Folder) Path() string {
	return f.path
}

// MaximumSize returns the configured size limit.
func (f *Folder) MaximumSize() int64 {
	return f.maximum
}

// SetMaximumSize changes the size limit. It does not evict.
func (f *Folder) SetMaximumSize(n int64) {
	f.maximum = n
	f.observe()
}

// BlobPath returns where the file for id lives in this folder.
func (f *Folder) BlobPath(id blobcache.BlobID) string {
	return id.Path(f.path)
}

// Status returns the current occupancy.
func (f *Folder) Status() Status {
	return Status{
		Path:             f.path,
		MaximumSize:      f.maximum,
		CurrentSize:      f.current,
		UnreferencedSize: f.unreferenced,
		ZombieSize:       f.zombie,
	}
}

// Fits reports whether n more bytes fit without eviction.
func (f *Folder) Fits(n int64) bool {
	return f.current+n <= f.maximum
}

// CanFree reports whether n more bytes would fit once every unreferenced
// blob was evicted.
func (f *Folder) CanFree(n int64) bool {
	return f.current-f.unreferenced+n <= f.maximum
}

// Reserve books space for a blob that is about to be fetched. It never
// fails; the caller decides beforehand whether eviction is needed. A zombie
// with the same id is forgotten since its file is about to be replaced.
func (f *Folder) Reserve(id blobcache.BlobID, compressed, content int64) {
	if z, ok := f.zombies[id]; ok {
		delete(f.zombies, id)
		f.zombie -= z.compressed
		f.current -= z.compressed
	}
	if it, ok := f.unref.remove(id); ok {
		f.unreferenced -= it.compressed
		f.current -= it.compressed
	}
	if it, ok := f.referenced.remove(id); ok {
		f.current -= it.compressed
	}
	f.referenced.pushBack(&item{id: id, compressed: compressed, content: content, pending: true})
	f.current += compressed
	f.observe()
}

// Commit turns a reservation into a stored blob.
func (f *Folder) Commit(id blobcache.BlobID) error {
	it, ok := f.referenced.get(id)
	if !ok || !it.pending {
		return fmt.Errorf("%w: no reservation for blob %s in %s", blobcache.ErrInvalidArgument, id, f.path)
	}
	it.pending = false
	return nil
}

// Release rolls back a reservation. The caller removes any partial file
// with DeleteFile first.
func (f *Folder) Release(id blobcache.BlobID) {
	it, ok := f.referenced.get(id)
	if !ok || !it.pending {
		return
	}
	f.referenced.remove(id)
	f.current -= it.compressed
	f.observe()
}

// MarkReferenced moves a stored blob to the referenced bucket.
func (f *Folder) MarkReferenced(id blobcache.BlobID) bool {
	it, ok := f.unref.remove(id)
	if !ok {
		_, ok = f.referenced.get(id)
		return ok
	}
	f.unreferenced -= it.compressed
	f.referenced.pushBack(it)
	f.observe()
	return true
}

// MarkUnreferenced moves a stored blob to the newest end of the
// unreferenced bucket. Pending reservations are left alone.
func (f *Folder) MarkUnreferenced(id blobcache.BlobID) bool {
	it, ok := f.referenced.get(id)
	if !ok {
		_, ok = f.unref.get(id)
		return ok
	}
	if it.pending {
		return false
	}
	f.referenced.remove(id)
	f.unref.pushBack(it)
	f.unreferenced += it.compressed
	f.observe()
	return true
}

// TakeVictims takes unreferenced blobs, oldest first, off the books until n
// more bytes fit and returns them. Their files are still on disk: the caller
// deletes each with DeleteFile and reports the outcome to Settle.
func (f *Folder) TakeVictims(n int64) []Entry {
	var victims []Entry
	for !f.Fits(n) {
		it, ok := f.unref.popFront()
		if !ok {
			break
		}
		f.unreferenced -= it.compressed
		f.current -= it.compressed
		victims = append(victims, it.entry(StateUnreferenced))
	}
	if len(victims) > 0 {
		f.observe()
	}
	return victims
}

// Detach takes a stored blob off the books without touching its file.
// Pending reservations cannot be detached.
func (f *Folder) Detach(id blobcache.BlobID) (Entry, bool) {
	state := StateUnreferenced
	it, ok := f.unref.remove(id)
	if ok {
		f.unreferenced -= it.compressed
	} else {
		it, ok = f.referenced.get(id)
		if !ok || it.pending {
			return Entry{}, false
		}
		f.referenced.remove(id)
		state = StateReferenced
	}
	f.current -= it.compressed
	f.observe()
	return it.entry(state), true
}

// DeleteFile removes the file for id. A missing file counts as deleted.
// Like FileSize it only touches the backend.
func (f *Folder) DeleteFile(ctx context.Context, id blobcache.BlobID) error {
	err := f.backend.Delete(ctx, id.Key())
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// Settle completes the removal of a blob returned by TakeVictims or Detach.
// When its file could not be deleted the blob comes back as a zombie so the
// bytes stay counted.
func (f *Folder) Settle(ctx context.Context, e Entry, err error) {
	if err == nil {
		return
	}
	it := &item{id: e.ID, compressed: e.CompressedSize, content: e.ContentSize}
	f.current += it.compressed
	f.zombies[it.id] = it
	f.zombie += it.compressed
	f.logger.Warn("storage folder: blob file could not be deleted, keeping as zombie",
		"blob", it.id, "size", it.compressed, "error", err)
	telemetry.RecordZombie(ctx, f.path)
	f.observe()
}

// Present reports whether the file for id exists with the given size.
func (f *Folder) Present(ctx context.Context, id blobcache.BlobID, size int64) (bool, error) {
	got, err := f.FileSize(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == size, nil
}

// FileSize stats the file for id. It only touches the backend, so unlike
// the bookkeeping methods it may be called without the engine lock.
func (f *Folder) FileSize(ctx context.Context, id blobcache.BlobID) (int64, error) {
	info, err := f.backend.Stat(ctx, id.Key())
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Lookup returns the entry for id.
func (f *Folder) Lookup(id blobcache.BlobID) (Entry, bool) {
	if it, ok := f.referenced.get(id); ok {
		return it.entry(StateReferenced), true
	}
	if it, ok := f.unref.get(id); ok {
		return it.entry(StateUnreferenced), true
	}
	if z, ok := f.zombies[id]; ok {
		return z.entry(StateZombie), true
	}
	return Entry{}, false
}

// Entries returns stored, non-zombie blobs: unreferenced oldest first, then
// referenced oldest first. Pending reservations are excluded.
func (f *Folder) Entries() []Entry {
	entries := make([]Entry, 0, f.unref.len()+f.referenced.len())
	f.unref.each(func(it *item) {
		entries = append(entries, it.entry(StateUnreferenced))
	})
	f.referenced.each(func(it *item) {
		if !it.pending {
			entries = append(entries, it.entry(StateReferenced))
		}
	})
	return entries
}

// Snapshot returns Entries followed by zombies, ready for Persist.
func (f *Folder) Snapshot() []Entry {
	entries := f.Entries()
	ids := make([]blobcache.BlobID, 0, len(f.zombies))
	for id := range f.zombies {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b blobcache.BlobID) int {
		return strings.Compare(a.String(), b.String())
	})
	for _, id := range ids {
		entries = append(entries, f.zombies[id].entry(StateZombie))
	}
	return entries
}

func (it *item) entry(state State) Entry {
	return Entry{
		ID:             it.id,
		CompressedSize: it.compressed,
		ContentSize:    it.content,
		State:          state,
		Pending:        it.pending,
	}
}

func (f *Folder) observe() {
	telemetry.UpdateFolderState(context.Background(), f.path, f.current, f.unreferenced, f.zombie, f.maximum)
}
