package transient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/ephemeral"
	"github.com/wolfeidau/ephemeral/backend"
)

// Blob describes stored blob content attached to an entry.
type Blob struct {
	Filename string           `json:"filename,omitempty"`
	MimeType string           `json:"mime_type,omitempty"`
	Encoding string           `json:"encoding,omitempty"`
	Digest   ephemeral.Digest `json:"digest"`
	Length   int64            `json:"length"`
}

// BlobInput is blob content to be written by PutBlobs.
type BlobInput struct {
	Filename string
	MimeType string
	Encoding string
	Content  io.Reader
}

// stagedBlob is the result of streaming one input into the content area.
type stagedBlob struct {
	blob    Blob
	created bool
}

// writeContent streams r into the content area under its digest.
func writeContent(ctx context.Context, content backend.StagingBackend, r io.Reader) (ephemeral.Hash, int64, bool, error) {
	staged, err := content.Stage(ctx)
	if err != nil {
		return ephemeral.Hash{}, 0, false, err
	}
	defer func() { _ = staged.Abort() }()

	hr := ephemeral.NewHashingReader(r)
	if _, err := io.Copy(staged, contextReader{ctx: ctx, r: hr}); err != nil {
		return ephemeral.Hash{}, 0, false, fmt.Errorf("reading content: %w", err)
	}

	h := hr.Sum()
	created, err := staged.Commit(ctx, ephemeral.ContentKey(h))
	if err != nil {
		return ephemeral.Hash{}, 0, false, fmt.Errorf("committing content: %w", err)
	}
	return h, hr.BytesRead(), created, nil
}

func totalLength(blobs []Blob) int64 {
	var n int64
	for _, b := range blobs {
		n += b.Length
	}
	return n
}

func encodeBlobs(blobs []Blob) ([]byte, error) {
	if blobs == nil {
		blobs = []Blob{}
	}
	return json.Marshal(blobs)
}

func decodeBlobs(data []byte) ([]Blob, error) {
	blobs := []Blob{}
	if err := json.Unmarshal(data, &blobs); err != nil {
		return nil, fmt.Errorf("decoding blob list: %w", err)
	}
	return blobs, nil
}

// openContent opens the payload of a blob.
func openContent(ctx context.Context, content backend.Backend, b Blob) (io.ReadCloser, error) {
	rc, err := content.Read(ctx, ephemeral.ContentKey(b.Digest.Hash))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, b.Digest)
	}
	return rc, err
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
