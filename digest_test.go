package ephemeral

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigest(t *testing.T) {
	h := HashBytes([]byte("test"))
	validHex := h.String()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "canonical", input: "blake3:" + validHex},
		{name: "uppercase algorithm", input: "BLAKE3:" + validHex},
		{name: "uppercase hex", input: "blake3:" + strings.ToUpper(validHex)},
		{name: "bare hex", input: validHex},
		{name: "empty", input: "", wantErr: true},
		{name: "sha256 rejected", input: "sha256:" + validHex, wantErr: true},
		{name: "short hex", input: "blake3:abcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDigest(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, h, d.Hash)
			assert.Equal(t, "blake3:"+validHex, d.String())
		})
	}
}

func TestDigestJSON(t *testing.T) {
	type wrapper struct {
		Digest Digest `json:"digest"`
	}
	in := wrapper{Digest: NewDigest(HashBytes([]byte("json")))}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"blake3:`)

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestContentKey(t *testing.T) {
	h := HashBytes([]byte("content"))
	key := ContentKey(h)

	assert.Equal(t, "blobs/"+h.String()[:2]+"/"+h.String(), key)

	parsed, err := ParseContentKey(key)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	for _, bad := range []string{
		"blobs/" + h.String(),
		"other/" + h.String()[:2] + "/" + h.String(),
		"blobs/zz/" + h.String(),
		"blobs/ab/nothex",
	} {
		_, err := ParseContentKey(bad)
		assert.Error(t, err, bad)
	}
}
