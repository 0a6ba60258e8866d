package kv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var boltFiles = newHandlePool[*bbolt.DB]()

// Bolt is a Store persisted in a bbolt file. Each namespace is a bucket, so
// several stores can share one file.
type Bolt struct {
	name    string
	bucket  []byte
	db      *bbolt.DB
	release func() error
	now     func() time.Time
	logger  *slog.Logger
	janitor *janitor

	closeMu sync.RWMutex
	closed  bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*boltOptions)

type boltOptions struct {
	now           func() time.Time
	noSync        bool
	sweepInterval time.Duration
	logger        *slog.Logger
}

// WithBoltClock sets the time source, for tests.
func WithBoltClock(now func() time.Time) BoltOption {
	return func(o *boltOptions) { o.now = now }
}

// WithBoltNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(o *boltOptions) { o.noSync = noSync }
}

// WithBoltSweepInterval sets how often expired records are purged.
// Zero disables the background sweeper.
func WithBoltSweepInterval(d time.Duration) BoltOption {
	return func(o *boltOptions) { o.sweepInterval = d }
}

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(o *boltOptions) { o.logger = logger }
}

// NewBolt opens the store name in the bbolt file at path, using namespace
// as its bucket.
func NewBolt(name, namespace, path string, opts ...BoltOption) (*Bolt, error) {
	o := boltOptions{
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

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving bolt path: %w", err)
	}

	db, release, err := boltFiles.acquire(absPath,
		func() (*bbolt.DB, error) {
			db, err := bbolt.Open(absPath, 0o600, &bbolt.Options{
				Timeout: 1 * time.Second,
				NoSync:  o.noSync,
			})
			if err != nil {
				return nil, fmt.Errorf("opening bolt database: %w", err)
			}
			o.logger.Debug("opened bolt database", "path", absPath, "noSync", o.noSync)
			return db, nil
		},
		func(db *bbolt.DB) error {
			o.logger.Debug("closing bolt database", "path", absPath)
			return db.Close()
		},
	)
	if err != nil {
		return nil, err
	}

	bucket := []byte(namespace)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = release()
		return nil, fmt.Errorf("creating bucket %s: %w", namespace, err)
	}

	b := &Bolt{
		name:    name,
		bucket:  bucket,
		db:      db,
		release: release,
		now:     o.now,
		logger:  o.logger,
	}
	b.janitor = startJanitor(o.sweepInterval, o.logger, name, b.sweep)
	return b, nil
}

// NewBoltFromDescriptor is the Factory for the bolt provider.
// Properties: path (required), no_sync (bool), sweep_interval (duration).
func NewBoltFromDescriptor(d Descriptor, logger *slog.Logger) (Store, error) {
	path := d.Property("path", "")
	if path == "" {
		return nil, fmt.Errorf("store %s: bolt provider requires a path property", d.Name)
	}
	noSync, err := d.BoolProperty("no_sync", false)
	if err != nil {
		return nil, err
	}
	interval, err := d.DurationProperty("sweep_interval", time.Minute)
	if err != nil {
		return nil, err
	}
	return NewBolt(d.Name, d.EffectiveNamespace(), path,
		WithBoltNoSync(noSync),
		WithBoltSweepInterval(interval),
		WithBoltLogger(logger),
	)
}

// Name returns the store name.
func (b *Bolt) Name() string { return b.name }

// Get returns a copy of the value of key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := b.guard(); err != nil {
		return nil, false, err
	}
	defer b.closeMu.RUnlock()

	var (
		value []byte
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		v, ok, err := b.load(tx, key)
		if err != nil || !ok {
			return err
		}
		value, found = cloneBytes(v), true
		return nil
	})
	return value, found, err
}

// Put stores value under key.
func (b *Bolt) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := b.guard(); err != nil {
		return err
	}
	defer b.closeMu.RUnlock()

	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.store(tx, key, value, ttl)
	})
}

// SetTTL replaces the expiration of an existing key.
func (b *Bolt) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := b.guard(); err != nil {
		return false, err
	}
	defer b.closeMu.RUnlock()

	var updated bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		v, ok, err := b.load(tx, key)
		if err != nil || !ok {
			return err
		}
		updated = true
		return b.store(tx, key, v, ttl)
	})
	return updated, err
}

// CompareAndSet swaps the value of key when it currently equals expected.
// bbolt runs one read-write transaction at a time, which makes the swap
// atomic.
func (b *Bolt) CompareAndSet(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := b.guard(); err != nil {
		return false, err
	}
	defer b.closeMu.RUnlock()

	var swapped bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		current, ok, err := b.load(tx, key)
		if err != nil {
			return err
		}
		if !sameValue(current, ok, expected) {
			return nil
		}
		swapped = true
		return b.store(tx, key, value, ttl)
	})
	return swapped, err
}

// Keys returns a sorted snapshot of live keys with prefix.
func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	defer b.closeMu.RUnlock()

	now := b.now()
	p := []byte(prefix)
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			_, deadline, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decoding %q: %w", k, err)
			}
			if !expired(deadline, now) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	return keys, err
}

// Clear drops and recreates the namespace bucket.
func (b *Bolt) Clear(_ context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	defer b.closeMu.RUnlock()

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	})
}

// Sweep deletes expired records.
func (b *Bolt) Sweep(ctx context.Context) (int, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	defer b.closeMu.RUnlock()
	return b.sweep(ctx)
}

func (b *Bolt) sweep(_ context.Context) (int, error) {
	now := b.now()
	var n int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		var doomed [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if _, deadline, err := decodeRecord(v); err == nil && expired(deadline, now) {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

// Close stops the sweeper and releases the shared file handle.
func (b *Bolt) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.janitor.stop()
	return b.release()
}

func (b *Bolt) guard() error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// load returns the live value of key; it aliases transaction memory.
func (b *Bolt) load(tx *bbolt.Tx, key string) ([]byte, bool, error) {
	bucket := tx.Bucket(b.bucket)
	if bucket == nil {
		return nil, false, nil
	}
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return nil, false, nil
	}
	value, deadline, err := decodeRecord(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decoding %q: %w", key, err)
	}
	if expired(deadline, b.now()) {
		return nil, false, nil
	}
	return value, true, nil
}

func (b *Bolt) store(tx *bbolt.Tx, key string, value []byte, ttl time.Duration) error {
	bucket, err := tx.CreateBucketIfNotExists(b.bucket)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return bucket.Delete([]byte(key))
	}
	return bucket.Put([]byte(key), encodeRecord(value, expiresAt(b.now(), ttl)))
}

var (
	_ Store   = (*Bolt)(nil)
	_ Sweeper = (*Bolt)(nil)
)
