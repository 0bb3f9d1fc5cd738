package folder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/store/fingerprint"
	"github.com/wolfeidau/blob-cache/telemetry"
)

var bucketBlobs = []byte("blobs") // seq(uint64BE) → JSON Entry, oldest first

func openIndex(path string, noSync bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob index %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlobs); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketBlobs, err)
		}
		return fingerprint.CreateBuckets(tx)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// load rebuilds the in-memory buckets from the index, reconciled against
// the files actually present.
func (f *Folder) load(ctx context.Context) error {
	var (
		persisted []Entry
		saved     fingerprint.Snapshot
		trusted   bool
	)
	err := f.db.View(func(tx *bbolt.Tx) error {
		var err error
		if persisted, err = readEntries(tx); err != nil {
			return err
		}
		s, found, err := fingerprint.Load(tx)
		switch {
		case errors.Is(err, fingerprint.ErrCorrupt):
			f.logger.Warn("storage folder: fingerprint snapshot unusable, checking sizes only", "error", err)
		case err != nil:
			return err
		case found:
			saved, trusted = s, true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading blob index: %w", err)
	}

	if err := f.purgeTemp(ctx); err != nil {
		return fmt.Errorf("purging temp files: %w", err)
	}

	current, err := fingerprint.Scan(ctx, f.backend)
	if err != nil {
		return err
	}

	indexed := make(map[blobcache.BlobID]Entry, len(persisted))
	for _, e := range persisted {
		indexed[e.ID] = e
	}
	modified := make(map[string]bool)
	if trusted {
		for _, k := range fingerprint.Compare(saved, current).Modified {
			modified[k] = true
		}
	}

	present := make(map[blobcache.BlobID]bool, len(current))
	for _, key := range current.Keys() {
		id, perr := blobcache.ParseBlobKey(key)
		e, ok := indexed[id]
		_, inSaved := saved[key]

		var reason string
		switch {
		case perr != nil || !ok:
			reason = "unindexed"
		case modified[key] || (trusted && !inSaved):
			reason = "modified"
		case current[key].Size != e.CompressedSize:
			reason = "size_mismatch"
		}
		if reason == "" {
			present[id] = true
			continue
		}

		f.logger.Warn("storage folder: removing stray file", "file", key, "reason", reason)
		telemetry.RecordStrayFile(ctx, f.path, reason)
		if err := f.backend.Delete(ctx, key); err != nil {
			f.logger.Warn("storage folder: stray file could not be removed", "file", key, "error", err)
		}
	}

	for _, e := range persisted {
		if !present[e.ID] {
			if e.State != StateZombie {
				f.logger.Warn("storage folder: blob file missing, dropping from index", "blob", e.ID)
			}
			continue
		}
		// A duplicate index row keeps its first position.
		delete(present, e.ID)

		if e.State == StateZombie {
			f.logger.Info("storage folder: re-adopting zombie blob", "blob", e.ID, "size", e.CompressedSize)
		}
		f.unref.pushBack(&item{id: e.ID, compressed: e.CompressedSize, content: e.ContentSize})
		f.current += e.CompressedSize
		f.unreferenced += e.CompressedSize
	}

	f.logger.Debug("storage folder: loaded",
		"blobs", f.unref.len(),
		"size", f.current,
		"maximum", f.maximum,
	)
	return nil
}

// purgeTemp removes the temp files of writes cut short by a crash. The
// backend walk skips them, so they are found on disk directly.
func (f *Folder) purgeTemp(ctx context.Context) error {
	return filepath.WalkDir(f.path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path != f.path && errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), backend.TempPrefix) {
			return nil
		}
		f.logger.Warn("storage folder: removing stray file", "file", path, "reason", "temp")
		telemetry.RecordStrayFile(ctx, f.path, "temp")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("storage folder: stray file could not be removed", "file", path, "error", err)
		}
		return nil
	})
}

func readEntries(tx *bbolt.Tx) ([]Entry, error) {
	b := tx.Bucket(bucketBlobs)
	if b == nil {
		return nil, nil
	}
	var entries []Entry
	err := b.ForEach(func(k, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding index entry %x: %w", k, err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Persist rewrites the index, the fingerprint snapshot and its digest in
// one transaction. entries normally come from Snapshot, taken while the
// engine held its lock; Persist itself only touches the index and the file
// metadata so bookkeeping may continue meanwhile. Entries whose file has
// disappeared are left out.
func (f *Folder) Persist(ctx context.Context, entries []Entry) error {
	f.dbMu.Lock()
	defer f.dbMu.Unlock()

	if f.db == nil {
		return ErrClosed
	}

	snap := make(fingerprint.Snapshot, len(entries))
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Pending {
			continue
		}
		info, err := f.backend.Stat(ctx, e.ID.Key())
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fingerprinting blob %s: %w", e.ID, err)
		}
		snap[info.Key] = fingerprint.Fingerprint{Size: info.Size, ModTime: info.ModTime}
		kept = append(kept, e)
	}

	err := f.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketBlobs); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("clearing blob index: %w", err)
		}
		b, err := tx.CreateBucket(bucketBlobs)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketBlobs, err)
		}
		for _, e := range kept {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			val, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding index entry %s: %w", e.ID, err)
			}
			if err := b.Put(encodeSeq(seq), val); err != nil {
				return err
			}
		}
		return fingerprint.Put(tx, snap)
	})
	if err != nil {
		return fmt.Errorf("persisting %s: %w", f.path, err)
	}

	f.logger.Debug("storage folder: persisted", "blobs", len(kept))
	return nil
}

// Close releases the index. The folder must not be used afterwards.
func (f *Folder) Close() error {
	f.dbMu.Lock()
	defer f.dbMu.Unlock()

	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	return err
}

// Destroy closes the index and removes every file under the folder,
// including the index. The directory itself is kept.
func (f *Folder) Destroy(ctx context.Context) error {
	f.dbMu.Lock()
	defer f.dbMu.Unlock()

	if f.db != nil {
		if err := f.db.Close(); err != nil {
			f.logger.Warn("storage folder: closing index failed", "error", err)
		}
		f.db = nil
	}

	entries, err := os.ReadDir(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(f.path, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing files from %s: %w", f.path, err)
	}

	f.logger.Info("storage folder: destroyed")
	return nil
}

// encodeSeq encodes a sequence number big-endian so bbolt keys sort in
// insertion order.
func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
