package transient

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// CompressionThreshold is the encoded size above which parameter values
	// are zstd compressed.
	CompressionThreshold = 2048

	// MaxParameterSize caps encoded and decompressed parameter values.
	MaxParameterSize = 10 * 1024 * 1024
)

// Parameter encodings, stored as the first byte of the value.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrParameterTooLarge is returned when a value exceeds MaxParameterSize.
	ErrParameterTooLarge = errors.New("parameter exceeds maximum size")

	// ErrDecompressionBomb is returned when a stored value inflates past
	// MaxParameterSize.
	ErrDecompressionBomb = errors.New("decompressed parameter exceeds maximum size")
)

// ParameterCodec encodes parameter values as protobuf structpb.Value,
// compressing large ones. It is safe for concurrent use.
type ParameterCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewParameterCodec creates a codec with reusable zstd state.
func NewParameterCodec() (*ParameterCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxParameterSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ParameterCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *ParameterCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode converts v to its stored form. v must be representable as a
// structpb.Value: nil, bool, numbers, string, []byte, []any or map[string]any.
func (c *ParameterCodec) Encode(v any) ([]byte, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported parameter value: %w", err)
	}
	raw, err := proto.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("marshaling parameter: %w", err)
	}
	if len(raw) > MaxParameterSize {
		return nil, ErrParameterTooLarge
	}

	if len(raw) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(raw, []byte{encodingZstd})
			if len(compressed) < len(raw) {
				return compressed, nil
			}
		}
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, encodingIdentity)
	return append(out, raw...), nil
}

// Decode reverses Encode. Numbers decode as float64.
func (c *ParameterCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, errors.New("empty parameter record")
	}

	raw := data[1:]
	switch data[0] {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing parameter: %w", err)
		}
		if len(raw) > MaxParameterSize {
			return nil, ErrDecompressionBomb
		}
	default:
		return nil, fmt.Errorf("unsupported parameter encoding %d", data[0])
	}

	var pv structpb.Value
	if err := proto.Unmarshal(raw, &pv); err != nil {
		return nil, fmt.Errorf("unmarshaling parameter: %w", err)
	}
	return pv.AsInterface(), nil
}
