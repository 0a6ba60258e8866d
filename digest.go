package ephemeral

import (
	"fmt"
	"strings"
)

// DigestAlgorithm is the only algorithm blobs are addressed with.
const DigestAlgorithm = "blake3"

// Digest identifies blob content. Its canonical text form is "blake3:<hex>".
type Digest struct {
	Hash Hash
}

// NewDigest wraps a hash.
func NewDigest(h Hash) Digest {
	return Digest{Hash: h}
}

// ParseDigest parses "blake3:<hex>". A bare hex string is accepted too.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	alg, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		hexStr = alg
		alg = DigestAlgorithm
	}
	if !strings.EqualFold(alg, DigestAlgorithm) {
		return Digest{}, fmt.Errorf("unsupported algorithm %q in digest %q", alg, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return Digest{}, fmt.Errorf("invalid hash in digest %q: %w", s, err)
	}
	return Digest{Hash: h}, nil
}

// String returns the canonical form.
func (d Digest) String() string {
	return DigestAlgorithm + ":" + d.Hash.String()
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Hash.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ContentPrefix is the backend key prefix under which blob payloads live.
const ContentPrefix = "blobs"

// ContentKey returns the backend key of a payload.
// Format: blobs/{hex[:2]}/{hex}
func ContentKey(h Hash) string {
	hex := h.String()
	return ContentPrefix + "/" + hex[:2] + "/" + hex
}

// ParseContentKey extracts the hash from a key produced by ContentKey.
func ParseContentKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != ContentPrefix {
		return Hash{}, fmt.Errorf("invalid content key: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, err
	}
	if !strings.HasPrefix(parts[2], parts[1]) {
		return Hash{}, fmt.Errorf("content key shard mismatch: %s", key)
	}
	return h, nil
}
