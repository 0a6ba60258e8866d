package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "content")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("hello, world!")

	require.NoError(t, fs.Write(ctx, "test/data.txt", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "test/data.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemWriteCancelled(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.Write(ctx, "cancelled/key", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)

	exists, err := fs.Exists(context.Background(), "cancelled/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "delete/test.txt", bytes.NewReader([]byte("data"))))
	require.NoError(t, fs.Delete(ctx, "delete/test.txt"))

	exists, err := fs.Exists(ctx, "delete/test.txt")
	require.NoError(t, err)
	require.False(t, exists)

	// the emptied shard directory is pruned
	_, err = os.Stat(filepath.Join(fs.Root(), "delete"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, fs.Delete(ctx, "nonexistent"), "delete is idempotent")
}

func TestFilesystemStat(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("test data for size check")

	require.NoError(t, fs.Write(ctx, "size/test.txt", bytes.NewReader(data)))

	info, err := fs.Stat(ctx, "size/test.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)
	require.Equal(t, "size/test.txt", info.Key)
	require.False(t, info.ModTime.IsZero())

	_, err = fs.Stat(ctx, "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Stat(ctx, "size")
	require.ErrorIs(t, err, ErrNotFound, "directories are not objects")
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{
		"dir1/file1.txt",
		"dir1/file2.txt",
		"dir1/subdir/file3.txt",
		"dir2/file4.txt",
	}
	for _, key := range keys {
		require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	}

	// an uncommitted staged write must not show up
	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	_, err = staged.Write([]byte("pending"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = staged.Abort() })

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	sort.Strings(keys)
	require.Equal(t, keys, all)

	dir1Files, err := fs.List(ctx, "dir1")
	require.NoError(t, err)
	sort.Strings(dir1Files)
	require.Equal(t, []string{"dir1/file1.txt", "dir1/file2.txt", "dir1/subdir/file3.txt"}, dir1Files)

	missing, err := fs.List(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestFilesystemStageCommit(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	_, err = staged.Write([]byte("first"))
	require.NoError(t, err)

	created, err := staged.Commit(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, staged.Abort(), "abort after commit is a no-op")

	// committing to an existing key keeps the existing payload
	again, err := fs.Stage(ctx)
	require.NoError(t, err)
	_, err = again.Write([]byte("second"))
	require.NoError(t, err)
	created, err = again.Commit(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	require.False(t, created)

	rc, err := fs.Read(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	require.Equal(t, []byte("first"), got)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), stagingDir))
	require.NoError(t, err)
	require.Empty(t, entries, "staging files are cleaned up")
}

func TestFilesystemStageAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	staged, err := fs.Stage(ctx)
	require.NoError(t, err)
	_, err = staged.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, staged.Abort())

	entries, err := os.ReadDir(filepath.Join(fs.Root(), stagingDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "overwrite/test.txt", bytes.NewReader([]byte("initial"))))
	newData := []byte("new content that is longer")
	require.NoError(t, fs.Write(ctx, "overwrite/test.txt", bytes.NewReader(newData)))

	rc, err := fs.Read(ctx, "overwrite/test.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
