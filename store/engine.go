// Package store implements the blob cache engine: the reference-count
// ledger over every storage folder and the fetch and copy orchestration
// that fills them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/store/folder"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// ErrSizeMismatch is returned to every waiter when a fetched file does not
// have the blob's compressed size.
var ErrSizeMismatch = errors.New("fetched blob has the wrong size")

// blobRecord is the ledger entry for one blob id.
type blobRecord struct {
	compressed int64
	content    int64
	refs       int64

	// folder holds the cached bytes, or a pending reservation for them.
	folder *folderState

	// active counts fetches and copies in flight for the blob.
	active int

	// deferred is set when the last reference went away while active > 0.
	deferred bool
}

type folderState struct {
	*folder.Folder

	deleting bool
	active   int
	drained  chan struct{}
}

// pendingRemoval tracks a blob whose files are being deleted outside the
// lock. Copies of the blob wait for it before placing the blob again.
type pendingRemoval struct {
	done chan struct{}
	n    int
}

type fetchCall struct {
	done   chan struct{}
	folder *folderState
	err    error
}

// BlobStatus describes one ledger entry.
type BlobStatus struct {
	CompressedSize int64
	ContentSize    int64
	References     int64
	Folder         string
}

// Engine is the authority over every blob held by the cache.
//
// Concurrency model:
//   - mu guards the ledger, the folder list and every folder's bookkeeping.
//     It is never held while an Origin call or a file stat or delete runs.
//     Blobs leave a folder's books under mu and their files are deleted
//     after it is released.
//   - each blob has at most one Origin.Fetch in flight; later copies wait on
//     the same fetchCall.
//   - folder configuration changes take a ticket first so they run in the
//     order they were requested, without blocking usage counting or copies.
type Engine struct {
	origin     Origin
	logger     *slog.Logger
	folderOpts []folder.Option

	mu       sync.Mutex
	blobs    map[blobcache.BlobID]*blobRecord
	folders  []*folderState
	inflight map[blobcache.BlobID]*fetchCall
	removing map[blobcache.BlobID]*pendingRemoval

	tickets *ticketQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and the folders it opens.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithFolderOptions adds options passed to every folder.Open.
func WithFolderOptions(opts ...folder.Option) Option {
	return func(e *Engine) {
		e.folderOpts = append(e.folderOpts, opts...)
	}
}

// New creates an Engine without storage folders.
func New(origin Origin, opts ...Option) *Engine {
	e := &Engine{
		origin:   origin,
		logger:   slog.Default(),
		blobs:    make(map[blobcache.BlobID]*blobRecord),
		inflight: make(map[blobcache.BlobID]*fetchCall),
		removing: make(map[blobcache.BlobID]*pendingRemoval),
		tickets:  newTicketQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.folderOpts = append([]folder.Option{folder.WithLogger(e.logger)}, e.folderOpts...)
	return e
}

// IncreaseUsageCount adds a reference to a blob, registering it on first
// use. Later calls must repeat the same sizes.
func (e *Engine) IncreaseUsageCount(id blobcache.BlobID, compressedSize, contentSize int64) error {
	if id.IsZero() {
		return fmt.Errorf("%w: zero blob id", blobcache.ErrInvalidArgument)
	}
	if compressedSize < 0 || contentSize < 0 {
		return fmt.Errorf("%w: negative size for blob %s", blobcache.ErrInvalidArgument, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.blobs[id]
	if !ok {
		e.blobs[id] = &blobRecord{compressed: compressedSize, content: contentSize, refs: 1}
		telemetry.RecordUsageChange(context.Background(), "increase", "ok")
		return nil
	}
	if rec.compressed != compressedSize || rec.content != contentSize {
		telemetry.RecordUsageChange(context.Background(), "increase", "invalid")
		return fmt.Errorf("%w: blob %s registered with sizes %d/%d, got %d/%d",
			blobcache.ErrInvalidArgument, id, rec.compressed, rec.content, compressedSize, contentSize)
	}

	rec.refs++
	if rec.refs == 1 {
		switch {
		case rec.deferred:
			// Still in the referenced bucket; the pending release is void.
			rec.deferred = false
		case rec.folder != nil:
			rec.folder.MarkReferenced(id)
		}
	}
	telemetry.RecordUsageChange(context.Background(), "increase", "ok")
	return nil
}

// DecreaseUsageCount drops a reference. The last release moves a cached
// blob to the unreferenced bucket, or defers that until in-flight fetches
// and copies of it finish. Releasing an unknown or unreferenced blob only
// logs a warning.
func (e *Engine) DecreaseUsageCount(id blobcache.BlobID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.blobs[id]
	if !ok || rec.refs == 0 {
		e.logger.Warn("cache: usage count decreased below zero", "blob", id)
		telemetry.RecordUsageChange(context.Background(), "decrease", "ignored")
		return
	}

	rec.refs--
	if rec.refs > 0 {
		telemetry.RecordUsageChange(context.Background(), "decrease", "ok")
		return
	}
	if rec.active > 0 {
		rec.deferred = true
		e.logger.Warn("cache: blob released while in use, deferring", "blob", id, "in_flight", rec.active)
		telemetry.RecordUsageChange(context.Background(), "decrease", "deferred")
		return
	}
	e.unreference(id, rec)
	telemetry.RecordUsageChange(context.Background(), "decrease", "ok")
}

// unreference moves a blob without references into the unreferenced bucket
// or drops it from the ledger when nothing is cached. Must hold mu.
func (e *Engine) unreference(id blobcache.BlobID, rec *blobRecord) {
	if rec.folder == nil {
		delete(e.blobs, id)
		return
	}
	rec.folder.MarkUnreferenced(id)
}

// CopyFileTo copies a referenced blob to dst, fetching it into a storage
// folder first when it is not cached. Concurrent callers share one fetch;
// each runs its own copy. Fetch and copy errors are returned unchanged.
//
// If ctx ends while waiting on a fetch, CopyFileTo returns ctx.Err() and the
// fetch carries on for the other callers.
func (e *Engine) CopyFileTo(ctx context.Context, id blobcache.BlobID, dst string) error {
	rec, call, fs, err := e.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		e.mu.Lock()
		e.finish(id, rec, fs)
		e.mu.Unlock()
	}()

	if call != nil {
		select {
		case <-call.done:
			if call.err != nil {
				return call.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	err = e.origin.Copy(ctx, fs.BlobPath(id), dst)
	telemetry.RecordCopy(ctx, telemetry.Outcome(err), time.Since(start))
	return err
}

// prepare finds the folder a copy reads from, joining or starting a fetch
// when the blob is not cached yet. On success the copy is counted as
// active on the record and the folder.
func (e *Engine) prepare(ctx context.Context, id blobcache.BlobID) (*blobRecord, *fetchCall, *folderState, error) {
	for {
		e.mu.Lock()

		rec, ok := e.blobs[id]
		if !ok || rec.refs == 0 {
			e.mu.Unlock()
			return nil, nil, nil, fmt.Errorf("%w: blob %s has no references", blobcache.ErrInvalidArgument, id)
		}

		if r, ok := e.removing[id]; ok {
			e.mu.Unlock()
			select {
			case <-r.done:
				continue
			case <-ctx.Done():
				return nil, nil, nil, ctx.Err()
			}
		}

		if call, ok := e.inflight[id]; ok {
			if call.folder.deleting {
				e.mu.Unlock()
				return nil, nil, nil, fmt.Errorf("%w: storage folder %s is being deleted", blobcache.ErrInvalidOperation, call.folder.Path())
			}
			telemetry.RecordFetchJoin(ctx)
			e.begin(rec, call.folder)
			e.mu.Unlock()
			return rec, call, call.folder, nil
		}

		if fs := rec.folder; fs != nil {
			if fs.deleting {
				e.mu.Unlock()
				return nil, nil, nil, fmt.Errorf("%w: storage folder %s is being deleted", blobcache.ErrInvalidOperation, fs.Path())
			}
			e.begin(rec, fs)
			e.mu.Unlock()

			present, err := fs.Present(ctx, id, rec.compressed)
			if err == nil && present {
				return rec, nil, fs, nil
			}

			e.mu.Lock()
			e.finish(id, rec, fs)
			if err != nil {
				e.mu.Unlock()
				return nil, nil, nil, fmt.Errorf("checking cached blob %s: %w", id, err)
			}
			var missing []folder.Entry
			if rec.folder == fs && !fs.deleting {
				if en, ok := fs.Detach(id); ok {
					e.logger.Warn("cache: cached blob file missing, fetching again", "blob", id, "folder", fs.Path())
					missing = append(missing, en)
				}
			}
			e.forget(fs, missing)
			r := e.startRemoval(fs, missing, false)
			e.mu.Unlock()

			e.remove(ctx, r)
			continue
		}

		fs, victims, err := e.place(id, rec)
		if err != nil {
			e.mu.Unlock()
			telemetry.RecordCacheFull(ctx)
			return nil, nil, nil, err
		}
		if len(victims) > 0 {
			// Space only counts as free once the files are gone.
			r := e.startRemoval(fs, victims, true)
			e.mu.Unlock()
			e.remove(ctx, r)
			continue
		}
		rec.folder = fs

		call := &fetchCall{done: make(chan struct{}), folder: fs}
		e.inflight[id] = call
		e.begin(rec, fs) // the fetch
		e.begin(rec, fs) // this copy
		e.mu.Unlock()

		go e.fetch(context.WithoutCancel(ctx), id, rec, call)
		return rec, call, fs, nil
	}
}

// begin counts a fetch or copy as active. Must hold mu.
func (e *Engine) begin(rec *blobRecord, fs *folderState) {
	rec.active++
	fs.active++
}

// place reserves a blob's bytes in the first folder with room. Failing
// that, it takes eviction victims from the first folder that can free
// enough and returns them without reserving; the caller removes them and
// tries again. Must hold mu.
func (e *Engine) place(id blobcache.BlobID, rec *blobRecord) (*folderState, []folder.Entry, error) {
	n := rec.compressed
	for _, fs := range e.folders {
		if !fs.deleting && fs.Fits(n) {
			fs.Reserve(id, rec.compressed, rec.content)
			return fs, nil, nil
		}
	}
	for _, fs := range e.folders {
		if fs.deleting || !fs.CanFree(n) {
			continue
		}
		victims := fs.TakeVictims(n)
		e.forget(fs, victims)
		return fs, victims, nil
	}
	return nil, nil, fmt.Errorf("%w: no storage folder can hold %d bytes for blob %s", blobcache.ErrCacheFull, n, id)
}

// forget clears the folder of blobs a folder no longer stores. Must hold mu.
func (e *Engine) forget(fs *folderState, entries []folder.Entry) {
	for _, en := range entries {
		rec, ok := e.blobs[en.ID]
		if !ok || rec.folder != fs {
			continue
		}
		rec.folder = nil
		if rec.refs == 0 && rec.active == 0 {
			delete(e.blobs, en.ID)
		}
	}
}

// fileRemoval is a batch of blobs taken off a folder's books whose files
// still have to be deleted.
type fileRemoval struct {
	fs      *folderState
	entries []folder.Entry
	evict   bool
}

// startRemoval marks entries as being removed and holds the folder open
// until they are settled. Must hold mu.
func (e *Engine) startRemoval(fs *folderState, entries []folder.Entry, evict bool) *fileRemoval {
	if len(entries) == 0 {
		return nil
	}
	e.markRemoving(entries)
	fs.active++
	return &fileRemoval{fs: fs, entries: entries, evict: evict}
}

// markRemoving must hold mu.
func (e *Engine) markRemoving(entries []folder.Entry) {
	for _, en := range entries {
		r, ok := e.removing[en.ID]
		if !ok {
			r = &pendingRemoval{done: make(chan struct{})}
			e.removing[en.ID] = r
		}
		r.n++
	}
}

// remove deletes the files of a removal without holding mu, then settles
// them. Files that cannot be deleted stay behind as zombies; if they leave
// the folder over its maximum, more unreferenced blobs are evicted.
func (e *Engine) remove(ctx context.Context, r *fileRemoval) {
	if r == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	fs, entries, evict := r.fs, r.entries, r.evict

	for {
		errs := make([]error, len(entries))
		for i, en := range entries {
			errs[i] = fs.DeleteFile(ctx, en.ID)
		}

		e.mu.Lock()
		zombies := false
		for i, en := range entries {
			fs.Settle(ctx, en, errs[i])
			switch {
			case errs[i] != nil:
				zombies = true
			case evict:
				e.logger.Debug("cache: evicted blob", "blob", en.ID, "folder", fs.Path(), "size", en.CompressedSize)
				telemetry.RecordEviction(ctx, fs.Path(), en.CompressedSize)
			}
			if w, ok := e.removing[en.ID]; ok {
				if w.n--; w.n == 0 {
					close(w.done)
					delete(e.removing, en.ID)
				}
			}
		}

		entries = nil
		if zombies && !fs.deleting && !fs.Fits(0) {
			entries, evict = fs.TakeVictims(0), true
			e.forget(fs, entries)
			e.markRemoving(entries)
		}
		if len(entries) == 0 {
			fs.active--
			if fs.deleting && fs.active == 0 {
				closeOnce(fs.drained)
			}
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Engine) fetch(ctx context.Context, id blobcache.BlobID, rec *blobRecord, call *fetchCall) {
	fs := call.folder
	start := time.Now()

	err := e.origin.Fetch(ctx, id, fs.BlobPath(id))
	if err == nil {
		size, serr := fs.FileSize(ctx, id)
		switch {
		case serr != nil:
			err = fmt.Errorf("%w: blob %s: %w", ErrSizeMismatch, id, serr)
		case size != rec.compressed:
			err = fmt.Errorf("%w: blob %s is %d bytes, want %d", ErrSizeMismatch, id, size, rec.compressed)
		}
	}
	if err != nil {
		if derr := fs.DeleteFile(ctx, id); derr != nil {
			e.logger.Warn("cache: partial blob file could not be removed", "blob", id, "folder", fs.Path(), "error", derr)
		}
	}

	e.mu.Lock()
	if err != nil {
		fs.Release(id)
		if rec.folder == fs {
			rec.folder = nil
		}
		e.logger.Debug("cache: fetch failed", "blob", id, "folder", fs.Path(), "error", err)
	} else if cerr := fs.Commit(id); cerr != nil {
		e.logger.Error("cache: committing fetched blob", "blob", id, "error", cerr)
	}
	call.err = err
	delete(e.inflight, id)
	e.finish(id, rec, fs)
	e.mu.Unlock()

	close(call.done)
	telemetry.RecordFetch(ctx, telemetry.Outcome(err), time.Since(start), rec.compressed)
}

// finish ends one fetch or copy, applying a deferred release and waking a
// pending folder delete. Must hold mu.
func (e *Engine) finish(id blobcache.BlobID, rec *blobRecord, fs *folderState) {
	rec.active--
	fs.active--
	if fs.deleting && fs.active == 0 {
		closeOnce(fs.drained)
	}
	if rec.active == 0 && rec.deferred {
		rec.deferred = false
		if rec.refs == 0 {
			e.unreference(id, rec)
		}
	}
	if rec.refs == 0 && rec.active == 0 && rec.folder == nil {
		delete(e.blobs, id)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// BlobStatus returns the ledger entry for id.
func (e *Engine) BlobStatus(id blobcache.BlobID) (BlobStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.blobs[id]
	if !ok {
		return BlobStatus{}, false
	}
	st := BlobStatus{
		CompressedSize: rec.compressed,
		ContentSize:    rec.content,
		References:     rec.refs,
	}
	if rec.folder != nil {
		st.Folder = rec.folder.Path()
	}
	return st, true
}

// AddStorageFolder opens a folder and adds it after the existing ones.
// Blobs it already holds are reconciled with the ledger: a blob already
// housed elsewhere is a cross-folder duplicate and the new copy is deleted.
func (e *Engine) AddStorageFolder(ctx context.Context, cfg folder.Config) error {
	release, err := e.tickets.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := folder.Canonicalize(cfg.Path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	err = e.checkOverlap(path)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	f, err := folder.Open(ctx, cfg, e.folderOpts...)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.checkOverlap(f.Path()); err != nil {
		e.mu.Unlock()
		_ = f.Close()
		return err
	}

	fs := &folderState{Folder: f}
	discarded := e.startRemoval(fs, e.reconcile(ctx, fs), false)
	e.folders = append(e.folders, fs)
	evicted := e.shrink(fs)
	e.mu.Unlock()

	e.remove(ctx, discarded)
	e.remove(ctx, evicted)

	e.mu.Lock()
	st := fs.Status()
	e.mu.Unlock()
	if st.CurrentSize > st.MaximumSize {
		e.logger.Warn("cache: storage folder loaded over its maximum size",
			"folder", st.Path, "current", st.CurrentSize, "maximum", st.MaximumSize)
	}
	e.logger.Info("cache: storage folder added",
		"folder", st.Path,
		"maximum", st.MaximumSize,
		"current", st.CurrentSize,
	)
	return nil
}

// reconcile merges the blobs a newly opened folder holds into the ledger
// and returns the entries it detached for deletion. Must hold mu.
func (e *Engine) reconcile(ctx context.Context, fs *folderState) []folder.Entry {
	var discard []folder.Entry
	detach := func(id blobcache.BlobID) {
		if en, ok := fs.Detach(id); ok {
			discard = append(discard, en)
		}
	}
	for _, en := range fs.Entries() {
		rec, ok := e.blobs[en.ID]
		switch {
		case !ok:
			e.blobs[en.ID] = &blobRecord{
				compressed: en.CompressedSize,
				content:    en.ContentSize,
				folder:     fs,
			}

		case rec.folder != nil:
			e.logger.Warn(fmt.Sprintf("blob %s found in both %s and %s", en.ID, rec.folder.Path(), fs.Path()),
				"blob", en.ID)
			telemetry.RecordDuplicate(ctx)
			detach(en.ID)

		case rec.compressed != en.CompressedSize || rec.content != en.ContentSize:
			e.logger.Warn("cache: cached blob sizes disagree with its registration, discarding",
				"blob", en.ID,
				"folder", fs.Path(),
				"compressed", en.CompressedSize,
				"expected", rec.compressed,
			)
			detach(en.ID)

		default:
			rec.folder = fs
			if rec.refs > 0 || rec.deferred {
				fs.MarkReferenced(en.ID)
			}
		}
	}
	return discard
}

// shrink evicts unreferenced blobs until fs is within its maximum size.
// Must hold mu.
func (e *Engine) shrink(fs *folderState) *fileRemoval {
	if fs.Fits(0) {
		return nil
	}
	victims := fs.TakeVictims(0)
	e.forget(fs, victims)
	return e.startRemoval(fs, victims, true)
}

// UpdateStorageFolder changes the maximum size of a folder. Shrinking
// evicts unreferenced blobs down to the new limit; a folder still over it
// because of referenced blobs is left as is. The path cannot change.
func (e *Engine) UpdateStorageFolder(ctx context.Context, path string, cfg folder.Config) error {
	release, err := e.tickets.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := cfg.Validate(); err != nil {
		return err
	}
	current, err := folder.Canonicalize(path)
	if err != nil {
		return err
	}
	next, err := folder.Canonicalize(cfg.Path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	fs := e.findFolder(current)
	if fs == nil || fs.deleting {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", blobcache.ErrFolderNotFound, current)
	}
	if next != fs.Path() {
		e.mu.Unlock()
		return fmt.Errorf("%w: storage folder %s cannot move to %s", blobcache.ErrInvalidArgument, fs.Path(), next)
	}
	fs.SetMaximumSize(cfg.MaximumSize)
	evicted := e.shrink(fs)
	e.mu.Unlock()

	e.remove(ctx, evicted)

	e.mu.Lock()
	st := fs.Status()
	e.mu.Unlock()
	if st.CurrentSize > st.MaximumSize {
		e.logger.Info("cache: storage folder remains over its maximum size",
			"folder", st.Path,
			"current", st.CurrentSize,
			"maximum", st.MaximumSize,
		)
	}
	return nil
}

// DeleteStorageFolder stops new work on a folder, waits for its in-flight
// fetches and copies, then removes its files and forgets it. Once started
// it runs to completion.
func (e *Engine) DeleteStorageFolder(ctx context.Context, path string) error {
	release, err := e.tickets.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	p, err := folder.Canonicalize(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	fs := e.findFolder(p)
	if fs == nil || fs.deleting {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", blobcache.ErrFolderNotFound, p)
	}
	fs.deleting = true
	fs.drained = make(chan struct{})
	if fs.active == 0 {
		close(fs.drained)
	}
	waiting := fs.active
	e.mu.Unlock()

	if waiting > 0 {
		e.logger.Info("cache: waiting for in-flight operations before deleting storage folder",
			"folder", p, "in_flight", waiting)
	}
	<-fs.drained

	destroyErr := fs.Destroy(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.folders = slices.DeleteFunc(e.folders, func(f *folderState) bool { return f == fs })
	for id, rec := range e.blobs {
		if rec.folder != fs {
			continue
		}
		rec.folder = nil
		if rec.refs == 0 && rec.active == 0 {
			delete(e.blobs, id)
		}
	}
	e.mu.Unlock()

	if destroyErr != nil {
		return destroyErr
	}
	e.logger.Info("cache: storage folder deleted", "folder", p)
	return nil
}

// checkOverlap rejects a path equal to, inside, or containing a registered
// folder. Must hold mu.
func (e *Engine) checkOverlap(path string) error {
	for _, fs := range e.folders {
		switch {
		case fs.Path() == path:
			return fmt.Errorf("%w: storage folder %s already added", blobcache.ErrInvalidArgument, path)
		case within(fs.Path(), path), within(path, fs.Path()):
			return fmt.Errorf("%w: storage folder %s overlaps %s", blobcache.ErrInvalidArgument, path, fs.Path())
		}
	}
	return nil
}

// within reports whether path lies below root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// findFolder must hold mu.
func (e *Engine) findFolder(path string) *folderState {
	for _, fs := range e.folders {
		if fs.Path() == path {
			return fs
		}
	}
	return nil
}

// GetStorageFolderStatus returns every folder's status in registration
// order.
func (e *Engine) GetStorageFolderStatus() []folder.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]folder.Status, 0, len(e.folders))
	for _, fs := range e.folders {
		out = append(out, fs.Status())
	}
	return out
}

// PersistStorageFolderStates writes every folder's index. Folder contents
// are captured under the lock; the writes happen outside it, so fetches
// and copies keep running.
func (e *Engine) PersistStorageFolderStates(ctx context.Context) error {
	start := time.Now()

	type job struct {
		fs      *folderState
		entries []folder.Entry
	}
	e.mu.Lock()
	jobs := make([]job, 0, len(e.folders))
	for _, fs := range e.folders {
		if fs.deleting {
			continue
		}
		jobs = append(jobs, job{fs: fs, entries: fs.Snapshot()})
	}
	e.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := j.fs.Persist(ctx, j.entries); err != nil && !errors.Is(err, folder.ErrClosed) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	telemetry.RecordCheckpoint(ctx, telemetry.Outcome(err), time.Since(start))
	return err
}

// Close persists every folder and releases their indexes. Fetches still in
// flight are not waited for.
func (e *Engine) Close(ctx context.Context) error {
	release, err := e.tickets.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	errs := []error{e.PersistStorageFolderStates(ctx)}

	e.mu.Lock()
	folders := e.folders
	e.folders = nil
	e.mu.Unlock()

	for _, fs := range folders {
		if err := fs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", fs.Path(), err))
		}
	}
	return errors.Join(errs...)
}
