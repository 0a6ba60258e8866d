package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/ephemeral/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{rc: rc, ctx: ctx, name: ib.name, start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Info, error) {
	start := time.Now()
	info, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Stage delegates to the underlying backend if it implements StagingBackend.
func (ib *InstrumentedBackend) Stage(ctx context.Context) (Staged, error) {
	sb, ok := ib.backend.(StagingBackend)
	if !ok {
		return nil, fmt.Errorf("backend does not support staged writes")
	}
	staged, err := sb.Stage(ctx)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "stage", outcomeFromError(err), 0, 0)
		return nil, err
	}
	return &instrumentedStaged{Staged: staged, name: ib.name, start: time.Now()}, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadCloser records the read once the caller closes the stream, so
// the byte count covers everything actually consumed.
type countingReadCloser struct {
	rc     io.ReadCloser
	ctx    context.Context
	name   string
	start  time.Time
	n      int64
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

// Close closes the underlying stream once; later calls return nil.
func (c *countingReadCloser) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rc.Close()
	telemetry.RecordBackendOp(c.ctx, c.name, "read", "success", time.Since(c.start), c.n)
	return err
}

type instrumentedStaged struct {
	Staged
	name  string
	start time.Time
	n     int64
}

func (s *instrumentedStaged) Write(p []byte) (int, error) {
	n, err := s.Staged.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *instrumentedStaged) Commit(ctx context.Context, key string) (bool, error) {
	created, err := s.Staged.Commit(ctx, key)
	telemetry.RecordBackendOp(ctx, s.name, "commit", outcomeFromError(err), time.Since(s.start), s.n)
	return created, err
}

var (
	_ Backend        = (*InstrumentedBackend)(nil)
	_ StagingBackend = (*InstrumentedBackend)(nil)
)
