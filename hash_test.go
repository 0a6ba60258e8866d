package ephemeral

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty input
	h := HashBytes([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("test")).IsZero())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	for _, bad := range []string{"abc123", strings.Repeat("a", 128), strings.Repeat("zz", 32)} {
		_, err := ParseHash(bad)
		require.Error(t, err, bad)
	}
}

func TestHashReader(t *testing.T) {
	data := []byte("SomeContent")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, HashBytes(data), h)
}

func TestHashingReader(t *testing.T) {
	data := bytes.Repeat([]byte("chunk"), 4096)

	hr := NewHashingReader(bytes.NewReader(data))
	var out bytes.Buffer
	_, err := io.Copy(&out, hr)
	require.NoError(t, err)

	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, HashBytes(data), hr.Sum())
	assert.Equal(t, int64(len(data)), hr.BytesRead())
}
