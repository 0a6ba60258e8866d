package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	tmpPrefix  = ".tmp-"
	stagingDir = ".staging"
)

// Filesystem implements Backend on the local filesystem.
// Writes are atomic using a temp file and rename.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absRoot, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at key using temp file and rename.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path := f.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read opens the data at key.
func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes the data at key and prunes the shard directory when it
// becomes empty.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	path := f.keyToPath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	// fails harmlessly while the directory still has entries
	if dir := filepath.Dir(path); dir != f.root {
		_ = os.Remove(dir)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := f.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Stat returns the size and modification time of the data at key.
func (f *Filesystem) Stat(_ context.Context, key string) (Info, error) {
	fi, err := os.Stat(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// List returns all keys under prefix. Temp and staging files are skipped.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := f.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// a shard directory pruned by a concurrent Delete
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == stagingDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Stage opens a temp file in the staging directory. The file is renamed
// into place by Commit.
func (f *Filesystem) Stage(_ context.Context) (Staged, error) {
	tmp, err := os.CreateTemp(filepath.Join(f.root, stagingDir), tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &stagedFile{fs: f, file: tmp}, nil
}

func (f *Filesystem) keyToPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

type stagedFile struct {
	fs   *Filesystem
	file *os.File
	done bool
}

func (s *stagedFile) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *stagedFile) Commit(_ context.Context, key string) (bool, error) {
	if s.done {
		return false, fmt.Errorf("staged write already finished")
	}
	s.done = true
	tmpPath := s.file.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return false, fmt.Errorf("syncing file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return false, fmt.Errorf("closing staging file: %w", err)
	}

	path := s.fs.keyToPath(key)
	if _, err := os.Stat(path); err == nil {
		// same key means same content; keep the published copy
		return false, nil
	}
	// a concurrent Delete may prune the shard directory between MkdirAll
	// and Rename, so retry once
	var err error
	for range 2 {
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, fmt.Errorf("creating directory: %w", err)
		}
		if err = os.Rename(tmpPath, path); err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return false, fmt.Errorf("renaming staging file: %w", err)
}

func (s *stagedFile) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.file.Close()
	return os.Remove(s.file.Name())
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

var (
	_ Backend        = (*Filesystem)(nil)
	_ StagingBackend = (*Filesystem)(nil)
)
