package payload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *recordCodec {
	t.Helper()
	c, err := newRecordCodec()
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func TestCodecSmallRecordsStayPlain(t *testing.T) {
	c := newTestCodec(t)
	data := []byte(`{"holds":1}`)

	encoded, err := c.encode(data)
	require.NoError(t, err)
	require.Equal(t, codecIdentity, encoded[0])
	require.Equal(t, data, encoded[1:])

	decoded, err := c.decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecCompressesLargeRecords(t *testing.T) {
	c := newTestCodec(t)
	data := bytes.Repeat([]byte(`{"path":"lib/module.so"},`), 400)

	encoded, err := c.encode(data)
	require.NoError(t, err)
	require.Equal(t, codecZstd, encoded[0])
	require.Less(t, len(encoded), len(data))

	decoded, err := c.decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecRejectsBadRecords(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.decode(nil)
	require.Error(t, err)

	_, err = c.decode([]byte{9, 1, 2})
	require.ErrorContains(t, err, "unknown payload record codec")

	_, err = c.decode([]byte{codecZstd, 1, 2, 3})
	require.Error(t, err)

	_, err = c.encode(make([]byte, maxRecordSize+1))
	require.ErrorIs(t, err, ErrRecordTooLarge)
}
