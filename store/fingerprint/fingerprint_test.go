package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/blob-cache/backend"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeFile(t *testing.T, root, key string, size int, mtime time.Time) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, root, "ab/cd/one", 10, mtime)
	writeFile(t, root, "ef/01/two", 25, mtime)
	writeFile(t, root, ".blobcache.db", 4096, mtime)

	fs, err := backend.NewFilesystem(root)
	require.NoError(t, err)

	snap, err := Scan(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{"ab/cd/one", "ef/01/two"}, snap.Keys())
	require.Equal(t, int64(25), snap["ef/01/two"].Size)
	require.True(t, snap["ab/cd/one"].ModTime.Equal(mtime))
}

func TestCompare(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	saved := Snapshot{
		"same":     {Size: 1, ModTime: t0},
		"touched":  {Size: 2, ModTime: t0},
		"resized":  {Size: 3, ModTime: t0},
		"vanished": {Size: 4, ModTime: t0},
	}
	current := Snapshot{
		"same":    {Size: 1, ModTime: t0},
		"touched": {Size: 2, ModTime: t0.Add(time.Nanosecond)},
		"resized": {Size: 30, ModTime: t0},
		"new":     {Size: 5, ModTime: t0},
	}

	d := Compare(saved, current)
	require.Equal(t, []string{"new"}, d.Added)
	require.Equal(t, []string{"resized", "touched"}, d.Modified)
	require.Equal(t, []string{"vanished"}, d.Removed)
	require.False(t, d.Empty())

	require.True(t, Compare(saved, saved).Empty())
}

func TestDigestIsOrderIndependent(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	a := Snapshot{"x": {Size: 1, ModTime: t0}, "y": {Size: 2, ModTime: t0}}
	b := Snapshot{"y": {Size: 2, ModTime: t0}, "x": {Size: 1, ModTime: t0}}
	require.Equal(t, a.Digest(), b.Digest())

	b["y"] = Fingerprint{Size: 3, ModTime: t0}
	require.NotEqual(t, a.Digest(), b.Digest())
}

func TestPutLoad(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Unix(1700000000, 123456789)
	snap := Snapshot{
		"ab/cd/one": {Size: 10, ModTime: t0},
		"ef/01/two": {Size: 20, ModTime: t0.Add(time.Second)},
	}

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		_, found, err := Load(tx)
		require.NoError(t, err)
		require.False(t, found)
		return Put(tx, snap)
	}))

	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		got, found, err := Load(tx)
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, got, 2)
		require.True(t, Compare(snap, got).Empty())
		return nil
	}))

	// Put replaces rather than merges.
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return Put(tx, Snapshot{"only": {Size: 1, ModTime: t0}})
	}))
	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		got, _, err := Load(tx)
		require.NoError(t, err)
		require.Equal(t, []string{"only"}, got.Keys())
		return nil
	}))
}

func TestLoadDetectsTampering(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Unix(1700000000, 0)

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return Put(tx, Snapshot{"a": {Size: 1, ModTime: t0}})
	}))
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFingerprints).Put([]byte("b"), encodeValue(Fingerprint{Size: 2, ModTime: t0}))
	}))

	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		_, found, err := Load(tx)
		require.True(t, found)
		require.ErrorIs(t, err, ErrCorrupt)
		return nil
	}))
}
