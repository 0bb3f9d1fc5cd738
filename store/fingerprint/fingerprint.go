// Package fingerprint snapshots the files of a storage folder so changes made
// while the cache was not running can be detected on the next load.
package fingerprint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
)

var (
	bucketFingerprints = []byte("fingerprints") // key → size(uint64BE) | mtime(int64BE unix nanos)
	bucketMeta         = []byte("meta")
	keyDigest          = []byte("fingerprint_digest")
)

const valueSize = 16

// ErrCorrupt is returned by Load when the stored snapshot does not match its
// recorded digest or a value cannot be decoded.
var ErrCorrupt = errors.New("fingerprint: snapshot corrupt")

// Fingerprint is the size and modification time of one file.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

// Equal compares sizes and modification times at nanosecond precision.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.ModTime.UnixNano() == o.ModTime.UnixNano()
}

// Snapshot maps backend keys to fingerprints.
type Snapshot map[string]Fingerprint

// Keys returns the snapshot keys in lexical order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Digest hashes the snapshot in key order. Two snapshots with the same
// entries always produce the same digest.
func (s Snapshot) Digest() blobcache.Hash {
	h := blobcache.NewHasher()
	for _, k := range s.Keys() {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(encodeValue(s[k]))
	}
	return h.Sum()
}

// Scan walks the backend and fingerprints every visible file.
func Scan(ctx context.Context, b backend.Backend) (Snapshot, error) {
	snap := make(Snapshot)
	err := b.Walk(ctx, func(info backend.ObjectInfo) error {
		snap[info.Key] = Fingerprint{Size: info.Size, ModTime: info.ModTime}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}
	return snap, nil
}

// Diff lists the keys that changed between two snapshots, each sorted.
type Diff struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether the snapshots were identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Compare reports how current differs from saved.
func Compare(saved, current Snapshot) Diff {
	var d Diff
	for _, k := range current.Keys() {
		prev, ok := saved[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case !prev.Equal(current[k]):
			d.Modified = append(d.Modified, k)
		}
	}
	for _, k := range saved.Keys() {
		if _, ok := current[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	return d
}

// CreateBuckets makes sure the buckets used by Put and Load exist.
// Must be called inside a bbolt Update transaction.
func CreateBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketFingerprints, bucketMeta} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	return nil
}

// Put replaces the stored snapshot and its digest.
// Must be called inside a bbolt Update transaction.
func Put(tx *bbolt.Tx, s Snapshot) error {
	if tx.Bucket(bucketFingerprints) != nil {
		if err := tx.DeleteBucket(bucketFingerprints); err != nil {
			return fmt.Errorf("clearing fingerprints: %w", err)
		}
	}
	b, err := tx.CreateBucket(bucketFingerprints)
	if err != nil {
		return fmt.Errorf("creating fingerprints bucket: %w", err)
	}
	for k, fp := range s {
		if err := b.Put([]byte(k), encodeValue(fp)); err != nil {
			return err
		}
	}

	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return fmt.Errorf("creating meta bucket: %w", err)
	}
	digest := s.Digest()
	return meta.Put(keyDigest, digest[:])
}

// Load reads the stored snapshot. found is false when nothing was ever
// stored. A snapshot that fails digest verification returns ErrCorrupt.
func Load(tx *bbolt.Tx) (s Snapshot, found bool, err error) {
	b := tx.Bucket(bucketFingerprints)
	meta := tx.Bucket(bucketMeta)
	if b == nil || meta == nil {
		return nil, false, nil
	}
	raw := meta.Get(keyDigest)
	if raw == nil {
		return nil, false, nil
	}
	want, ok := blobcache.HashFromBytes(raw)
	if !ok {
		return nil, true, fmt.Errorf("%w: bad digest length %d", ErrCorrupt, len(raw))
	}

	s = make(Snapshot)
	err = b.ForEach(func(k, v []byte) error {
		fp, err := decodeValue(v)
		if err != nil {
			return fmt.Errorf("%w: key %q: %w", ErrCorrupt, k, err)
		}
		s[string(k)] = fp
		return nil
	})
	if err != nil {
		return nil, true, err
	}
	if s.Digest() != want {
		return nil, true, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return s, true, nil
}

func encodeValue(fp Fingerprint) []byte {
	buf := make([]byte, valueSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(fp.Size))
	binary.BigEndian.PutUint64(buf[8:], uint64(fp.ModTime.UnixNano()))
	return buf
}

func decodeValue(v []byte) (Fingerprint, error) {
	if len(v) != valueSize {
		return Fingerprint{}, fmt.Errorf("value length %d", len(v))
	}
	return Fingerprint{
		Size:    int64(binary.BigEndian.Uint64(v[:8])),
		ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(v[8:]))),
	}, nil
}
