package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(`{"servers":[]}`)

	packed, err := Compress(payload)
	require.NoError(t, err)
	assert.True(t, IsZlib(packed))

	out, err := Decompress(packed, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestUnwrapPassesPlainJSON(t *testing.T) {
	payload := []byte(`{"ServerCheckIn":{}}`)
	assert.False(t, IsZlib(payload))

	out, err := Unwrap(payload, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompressLimit(t *testing.T) {
	packed, err := Compress(bytes.Repeat([]byte("a"), 4096))
	require.NoError(t, err)

	_, err = Decompress(packed, 100)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Decompress([]byte{0x78, 0x9c, 0xff, 0xff}, 1024)
	assert.Error(t, err)
}
