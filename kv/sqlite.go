package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires_at) WHERE expires_at > 0;`

var sqliteDBs = newHandlePool[*sql.DB]()

// SQLite is a Store in a single kv table of a SQLite database. The handle
// uses one connection, so transactions in this process are serialized.
type SQLite struct {
	name      string
	namespace string
	db        *sql.DB
	release   func() error
	now       func() time.Time
	logger    *slog.Logger
	janitor   *janitor

	closeMu sync.RWMutex
	closed  bool
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
}

// WithSQLiteClock sets the time source, for tests.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(o *sqliteOptions) { o.now = now }
}

// WithSQLiteSweepInterval sets how often expired rows are deleted. Zero
// disables the background sweeper.
func WithSQLiteSweepInterval(d time.Duration) SQLiteOption {
	return func(o *sqliteOptions) { o.sweepInterval = d }
}

// WithSQLiteLogger sets the logger.
func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(o *sqliteOptions) { o.logger = logger }
}

// NewSQLite opens the store name in the database at path. ":memory:" keeps
// the database in process memory.
func NewSQLite(name, namespace, path string, opts ...SQLiteOption) (*SQLite, error) {
	o := sqliteOptions{
		now:           time.Now,
		sweepInterval: time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if namespace == "" {
		namespace = name
	}
	if path == "" {
		return nil, fmt.Errorf("store %s: sqlite provider requires a path", name)
	}
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving sqlite path: %w", err)
		}
		path = abs
	}

	db, release, err := sqliteDBs.acquire(path,
		func() (*sql.DB, error) {
			return openSQLite(path, o.logger)
		},
		func(db *sql.DB) error {
			return db.Close()
		},
	)
	if err != nil {
		return nil, err
	}

	s := &SQLite{
		name:      name,
		namespace: namespace,
		db:        db,
		release:   release,
		now:       o.now,
		logger:    o.logger,
	}
	s.janitor = startJanitor(o.sweepInterval, o.logger, name, s.sweep)
	return s, nil
}

func openSQLite(path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Debug("opened sqlite database", "path", path)
	return db, nil
}

// NewSQLiteFromDescriptor is the Factory for the sqlite provider.
// Properties: path (default ":memory:"), sweep_interval.
func NewSQLiteFromDescriptor(d Descriptor, logger *slog.Logger) (Store, error) {
	interval, err := d.DurationProperty("sweep_interval", time.Minute)
	if err != nil {
		return nil, err
	}
	return NewSQLite(d.Name, d.EffectiveNamespace(), d.Property("path", ":memory:"),
		WithSQLiteSweepInterval(interval),
		WithSQLiteLogger(logger),
	)
}

// Name returns the store name.
func (s *SQLite) Name() string { return s.name }

// Get returns the value of key.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := s.guard(); err != nil {
		return nil, false, err
	}
	defer s.closeMu.RUnlock()
	return s.load(ctx, s.db, key)
}

// Put stores value under key.
func (s *SQLite) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}
	defer s.closeMu.RUnlock()
	return s.store(ctx, s.db, key, value, ttl)
}

// SetTTL replaces the expiration of an existing key.
func (s *SQLite) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := s.guard(); err != nil {
		return false, err
	}
	defer s.closeMu.RUnlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ?
		 WHERE namespace = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)`,
		unixNanos(expiresAt(now, ttl)), s.namespace, key, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("set ttl %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompareAndSet swaps the value of key when it currently equals expected.
func (s *SQLite) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := s.guard(); err != nil {
		return false, err
	}
	defer s.closeMu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, ok, err := s.load(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if !sameValue(current, ok, expected) {
		return false, nil
	}
	if err := s.store(ctx, tx, key, value, ttl); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Keys returns a sorted snapshot of live keys with prefix.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.closeMu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE namespace = ? AND substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		s.namespace, prefix, prefix, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear deletes every row of the namespace.
func (s *SQLite) Clear(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.closeMu.RUnlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, s.namespace); err != nil {
		return fmt.Errorf("clear %s: %w", s.namespace, err)
	}
	return nil
}

// Sweep deletes expired rows of the namespace.
func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.closeMu.RUnlock()
	return s.sweep(ctx)
}

func (s *SQLite) sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND expires_at > 0 AND expires_at <= ?`,
		s.namespace, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close stops the sweeper and releases the shared database.
func (s *SQLite) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.janitor.stop()
	return s.release()
}

func (s *SQLite) guard() error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) load(ctx context.Context, q querier, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM kv
		 WHERE namespace = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.namespace, key, s.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) store(ctx context.Context, q querier, key string, value []byte, ttl time.Duration) error {
	if len(value) == 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		return nil
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.namespace, key, value, unixNanos(expiresAt(s.now(), ttl)))
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

var (
	_ Store   = (*SQLite)(nil)
	_ Sweeper = (*SQLite)(nil)
)
