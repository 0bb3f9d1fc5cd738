package payload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the smallest record worth compressing.
	compressionThreshold = 2048

	// maxRecordSize caps decoded records to guard against compression bombs.
	maxRecordSize = 16 * 1024 * 1024

	codecIdentity byte = 0
	codecZstd     byte = 1
)

var (
	// ErrRecordTooLarge is returned when a record exceeds maxRecordSize.
	ErrRecordTooLarge = errors.New("payload record exceeds maximum size")

	errCodecClosed = errors.New("payload codec closed")
)

// recordCodec prefixes each stored record with a one-byte codec tag and
// compresses large records with zstd. Encoder and decoder are goroutine-safe.
type recordCodec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newRecordCodec() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &recordCodec{encoder: enc, decoder: dec}, nil
}

func (c *recordCodec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *recordCodec) encode(data []byte) ([]byte, error) {
	if len(data) > maxRecordSize {
		return nil, ErrRecordTooLarge
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc != nil && len(data) >= compressionThreshold {
		out := enc.EncodeAll(data, []byte{codecZstd})
		if len(out) < len(data)+1 {
			return out, nil
		}
	}
	return append([]byte{codecIdentity}, data...), nil
}

func (c *recordCodec) decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty payload record")
	}
	switch b[0] {
	case codecIdentity:
		return b[1:], nil
	case codecZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errCodecClosed
		}
		out, err := dec.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload record: %w", err)
		}
		if len(out) > maxRecordSize {
			return nil, ErrRecordTooLarge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload record codec %d", b[0])
	}
}
