// Package payload tracks payloads, named sets of blobs laid out as files,
// on top of the blob cache. Acquiring a payload pins every blob it names;
// releasing it unpins them. Holds survive restarts in a bbolt database.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/download"
	"github.com/wolfeidau/blob-cache/telemetry"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// ErrNotHeld is returned when releasing or materializing a payload that has
// not been acquired.
var ErrNotHeld = errors.New("payload not held")

var bucketPayloads = []byte("payloads")

const defaultConcurrency = 8

// Cache is the part of the blob cache engine the manager drives.
type Cache interface {
	IncreaseUsageCount(id blobcache.BlobID, compressedSize, contentSize int64) error
	DecreaseUsageCount(id blobcache.BlobID)
	CopyFileTo(ctx context.Context, id blobcache.BlobID, dst string) error
}

// Config configures a Manager.
type Config struct {
	// DBPath is the bbolt database holding payload records.
	DBPath string

	// Fetcher resolves payload ids that are not already held.
	Fetcher ManifestFetcher

	// Concurrency bounds parallel copies in Materialize. Default 8.
	Concurrency int

	// NoSync disables fsync on database commits. Tests only.
	NoSync bool

	Logger *slog.Logger
}

// Held describes one held payload.
type Held struct {
	ID    string
	Holds int
}

type record struct {
	Manifest  *Manifest `json:"manifest"`
	Holds     int       `json:"holds"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager acquires, releases and materializes payloads.
type Manager struct {
	cache       Cache
	fetcher     ManifestFetcher
	downloads   *download.Downloader[*Manifest]
	concurrency int
	logger      *slog.Logger

	db    *bbolt.DB
	codec *recordCodec

	// mu guards holds and orders database writes with them.
	mu    sync.Mutex
	holds map[string]*record
}

// NewManager opens the payload database. Call Restore before serving
// requests so persisted holds are applied to the cache.
func NewManager(cache Cache, cfg Config) (*Manager, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache is required", blobcache.ErrInvalidArgument)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: payload database path is required", blobcache.ErrInvalidArgument)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating payload database directory: %w", err)
	}
	db, err := bbolt.Open(cfg.DBPath, 0o600, &bbolt.Options{Timeout: time.Second, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("opening payload database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPayloads)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating payload bucket: %w", err)
	}

	codec, err := newRecordCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Manager{
		cache:       cache,
		fetcher:     cfg.Fetcher,
		downloads:   download.New[*Manifest](download.WithLogger(cfg.Logger)),
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		db:          db,
		codec:       codec,
		holds:       make(map[string]*record),
	}, nil
}

// Close closes the payload database. Holds are not released.
func (m *Manager) Close() error {
	m.codec.close()
	return m.db.Close()
}

// Acquire pins every blob of the payload. Entries sharing a blob id each
// add one reference. If any increment fails, the ones already applied are
// undone in reverse order and the error is returned.
func (m *Manager) Acquire(ctx context.Context, payloadID string) (*Manifest, error) {
	manifest, err := m.resolve(ctx, payloadID)
	if err != nil {
		telemetry.RecordPayloadAcquire(ctx, telemetry.Outcome(err), 0)
		return nil, err
	}

	applied, err := m.apply(manifest)
	if err != nil {
		m.rollback(applied)
		telemetry.RecordPayloadAcquire(ctx, telemetry.Outcome(err), len(applied))
		return nil, err
	}

	m.mu.Lock()
	rec := m.holds[payloadID]
	if rec == nil {
		rec = &record{Manifest: manifest}
	}
	rec.Holds++
	err = m.store(payloadID, rec)
	if err != nil {
		rec.Holds--
	} else {
		m.holds[payloadID] = rec
	}
	holds := rec.Holds
	m.mu.Unlock()

	if err != nil {
		m.rollback(applied)
		telemetry.RecordPayloadAcquire(ctx, telemetry.Outcome(err), len(applied))
		return nil, err
	}

	telemetry.RecordPayloadAcquire(ctx, telemetry.Outcome(nil), 0)
	m.logger.Debug("payload: acquired", "payload", payloadID, "holds", holds, "entries", len(manifest.Entries))
	return manifest, nil
}

// Release drops one hold on the payload.
func (m *Manager) Release(_ context.Context, payloadID string) error {
	m.mu.Lock()
	rec := m.holds[payloadID]
	if rec == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, payloadID)
	}
	rec.Holds--
	var err error
	if rec.Holds == 0 {
		err = m.remove(payloadID)
		if err == nil {
			delete(m.holds, payloadID)
		}
	} else {
		err = m.store(payloadID, rec)
	}
	if err != nil {
		rec.Holds++
		m.mu.Unlock()
		return err
	}
	manifest := rec.Manifest
	m.mu.Unlock()

	for _, e := range manifest.Entries {
		m.cache.DecreaseUsageCount(e.BlobID)
	}
	m.logger.Debug("payload: released", "payload", payloadID)
	return nil
}

// Materialize copies every file of a held payload below dir.
func (m *Manager) Materialize(ctx context.Context, payloadID, dir string) error {
	m.mu.Lock()
	rec := m.holds[payloadID]
	m.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotHeld, payloadID)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	dsts := make([]string, len(rec.Manifest.Entries))
	for i, e := range rec.Manifest.Entries {
		if dsts[i], err = entryPath(root, e.Path); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, e := range rec.Manifest.Entries {
		dst := dsts[i]
		g.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
				return fmt.Errorf("creating directory for %s: %w", e.Path, err)
			}
			if err := m.cache.CopyFileTo(gctx, e.BlobID, dst); err != nil {
				return fmt.Errorf("materializing %s: %w", e.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Restore applies every persisted hold to the cache. A payload whose
// increments fail is rolled back, logged and dropped. It returns the number
// of payloads restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	stored := make(map[string]*record)
	var corrupt []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).ForEach(func(k, v []byte) error {
			rec, err := m.decode(v)
			if err != nil {
				m.logger.Warn("payload: dropping unreadable record", "payload", string(k), "error", err)
				corrupt = append(corrupt, string(k))
				return nil
			}
			stored[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reading payload records: %w", err)
	}

	var dropped []string
	dropped = append(dropped, corrupt...)
	restored := 0

	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		rec := stored[id]

		m.mu.Lock()
		_, loaded := m.holds[id]
		m.mu.Unlock()
		if loaded {
			continue
		}

		var all []blobcache.BlobID
		var applyErr error
		for range rec.Holds {
			applied, err := m.apply(rec.Manifest)
			all = append(all, applied...)
			if err != nil {
				applyErr = err
				break
			}
		}
		if applyErr != nil {
			m.rollback(all)
			m.logger.Warn("payload: dropping hold that could not be restored", "payload", id, "error", applyErr)
			dropped = append(dropped, id)
			continue
		}

		m.mu.Lock()
		m.holds[id] = rec
		m.mu.Unlock()
		restored++
	}

	if len(dropped) > 0 {
		m.mu.Lock()
		err := m.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketPayloads)
			for _, id := range dropped {
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
			}
			return nil
		})
		m.mu.Unlock()
		if err != nil {
			return restored, fmt.Errorf("dropping payload records: %w", err)
		}
	}

	m.logger.Info("payload: restored holds", "restored", restored, "dropped", len(dropped))
	return restored, nil
}

// Held lists held payloads ordered by id.
func (m *Manager) Held() []Held {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Held, 0, len(m.holds))
	for id, rec := range m.holds {
		out = append(out, Held{ID: id, Holds: rec.Holds})
	}
	slices.SortFunc(out, func(a, b Held) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// resolve returns the manifest of a held payload, or fetches it.
func (m *Manager) resolve(ctx context.Context, payloadID string) (*Manifest, error) {
	if payloadID == "" {
		return nil, fmt.Errorf("%w: empty payload id", blobcache.ErrInvalidArgument)
	}

	m.mu.Lock()
	rec := m.holds[payloadID]
	m.mu.Unlock()
	if rec != nil {
		return rec.Manifest, nil
	}

	if m.fetcher == nil {
		return nil, fmt.Errorf("%w: no manifest fetcher configured", blobcache.ErrInvalidOperation)
	}

	manifest, _, err := m.downloads.Do(ctx, payloadID, func(ctx context.Context) (*Manifest, error) {
		return m.fetcher(ctx, payloadID)
	})
	m.downloads.ForgetOnError(payloadID, err)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest for %s: %w", payloadID, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if manifest.ID != payloadID {
		return nil, fmt.Errorf("%w: manifest for %s has id %s", blobcache.ErrInvalidArgument, payloadID, manifest.ID)
	}
	return manifest, nil
}

// apply increments one reference per entry and returns the ids applied so
// far, including on failure.
func (m *Manager) apply(manifest *Manifest) ([]blobcache.BlobID, error) {
	applied := make([]blobcache.BlobID, 0, len(manifest.Entries))
	for _, e := range manifest.Entries {
		if err := m.cache.IncreaseUsageCount(e.BlobID, e.CompressedSize, e.ContentSize); err != nil {
			return applied, fmt.Errorf("payload %s: acquiring %s: %w", manifest.ID, e.Path, err)
		}
		applied = append(applied, e.BlobID)
	}
	return applied, nil
}

func (m *Manager) rollback(applied []blobcache.BlobID) {
	for i := len(applied) - 1; i >= 0; i-- {
		m.cache.DecreaseUsageCount(applied[i])
	}
}

// store must be called with mu held.
func (m *Manager) store(payloadID string, rec *record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding payload record: %w", err)
	}
	encoded, err := m.codec.encode(data)
	if err != nil {
		return err
	}
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).Put([]byte(payloadID), encoded)
	}); err != nil {
		return fmt.Errorf("writing payload record: %w", err)
	}
	return nil
}

// remove must be called with mu held.
func (m *Manager) remove(payloadID string) error {
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).Delete([]byte(payloadID))
	}); err != nil {
		return fmt.Errorf("deleting payload record: %w", err)
	}
	return nil
}

func (m *Manager) decode(v []byte) (*record, error) {
	data, err := m.codec.decode(v)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding payload record: %w", err)
	}
	if rec.Manifest == nil || rec.Holds <= 0 {
		return nil, errors.New("payload record has no manifest or holds")
	}
	if err := rec.Manifest.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func entryPath(root, rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: path %q escapes %s", blobcache.ErrInvalidArgument, rel, root)
	}
	return filepath.Join(root, local), nil
}
