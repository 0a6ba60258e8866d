package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_ReadWrite(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close(), "second close records nothing and does not fail")
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := newTestInstrumented(t)

	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDeleteStat(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "del/key", strings.NewReader("bye")))

	info, err := ib.Stat(ctx, "del/key")
	require.NoError(t, err)
	require.Equal(t, int64(3), info.Size)

	require.NoError(t, ib.Delete(ctx, "del/key"))
	exists, err = ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_List(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "list/b", strings.NewReader("b")))

	keys, err := ib.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstrumentedBackend_Stage(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	staged, err := ib.Stage(ctx)
	require.NoError(t, err)
	_, err = staged.Write([]byte("staged"))
	require.NoError(t, err)

	created, err := staged.Commit(ctx, "staged/key")
	require.NoError(t, err)
	require.True(t, created)

	exists, err := ib.Exists(ctx, "staged/key")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, ib.Unwrap(), ib.backend)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	if c.closes > 1 {
		return errors.New("already closed")
	}
	return nil
}

func TestCountingReadCloser_ClosesOnce(t *testing.T) {
	inner := &closeCounter{Reader: strings.NewReader("abc")}
	rc := &countingReadCloser{rc: inner, ctx: context.Background(), name: "filesystem"}

	_, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, int64(3), rc.n)

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	require.Equal(t, 1, inner.closes)
}
