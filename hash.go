package blobcache

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a digest in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest. The cache uses it to summarise folder
// fingerprint snapshots, never to verify blob contents.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes copies a raw digest. It returns false if b has the wrong length.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// HashBytes computes the digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Hasher computes a digest incrementally.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Hash {
	var out Hash
	h.h.Sum(out[:0])
	return out
}
