package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var badgerDBs = newHandlePool[*badger.DB]()

// Badger is a Store on a badger LSM database. Expiration uses badger's native
// entry TTL, which has one second resolution. Namespaces are key prefixes.
type Badger struct {
	name    string
	prefix  []byte
	db      *badger.DB
	release func() error
	logger  *slog.Logger
	janitor *janitor

	closeMu sync.RWMutex
	closed  bool
}

// BadgerOption configures a Badger store.
type BadgerOption func(*badgerOptions)

type badgerOptions struct {
	inMemory   bool
	compress   bool
	gcInterval time.Duration
	logger     *slog.Logger
}

// WithBadgerInMemory keeps the database in memory only; path is ignored.
func WithBadgerInMemory(inMemory bool) BadgerOption {
	return func(o *badgerOptions) { o.inMemory = inMemory }
}

// WithBadgerCompression enables zstd block compression.
func WithBadgerCompression(enabled bool) BadgerOption {
	return func(o *badgerOptions) { o.compress = enabled }
}

// WithBadgerGCInterval sets how often value log garbage collection runs.
// Zero disables it.
func WithBadgerGCInterval(d time.Duration) BadgerOption {
	return func(o *badgerOptions) { o.gcInterval = d }
}

// WithBadgerLogger sets the logger.
func WithBadgerLogger(logger *slog.Logger) BadgerOption {
	return func(o *badgerOptions) { o.logger = logger }
}

// NewBadger opens the store name in the badger directory path.
func NewBadger(name, namespace, path string, opts ...BadgerOption) (*Badger, error) {
	o := badgerOptions{
		gcInterval: 5 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if namespace == "" {
		namespace = name
	}

	poolKey := "mem:" + namespace
	if !o.inMemory {
		if path == "" {
			return nil, fmt.Errorf("store %s: badger provider requires a path", name)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving badger path: %w", err)
		}
		path, poolKey = abs, abs
	}

	db, release, err := badgerDBs.acquire(poolKey,
		func() (*badger.DB, error) {
			bopts := badger.DefaultOptions(path).
				WithLogger(newBadgerLogger(o.logger))
			if o.inMemory {
				bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
			}
			if o.compress {
				bopts = bopts.WithCompression(options.ZSTD)
			}
			db, err := badger.Open(bopts)
			if err != nil {
				return nil, fmt.Errorf("opening badger database: %w", err)
			}
			o.logger.Debug("opened badger database", "path", path, "inMemory", o.inMemory)
			return db, nil
		},
		func(db *badger.DB) error {
			return db.Close()
		},
	)
	if err != nil {
		return nil, err
	}

	b := &Badger{
		name:    name,
		prefix:  []byte(namespace + "\x00"),
		db:      db,
		release: release,
		logger:  o.logger,
	}
	gcInterval := o.gcInterval
	if o.inMemory {
		gcInterval = 0
	}
	b.janitor = startJanitor(gcInterval, o.logger, name, b.valueLogGC)
	return b, nil
}

// NewBadgerFromDescriptor is the Factory for the badger provider.
// Properties: path, in_memory (bool), compression (bool), gc_interval.
func NewBadgerFromDescriptor(d Descriptor, logger *slog.Logger) (Store, error) {
	inMemory, err := d.BoolProperty("in_memory", false)
	if err != nil {
		return nil, err
	}
	compress, err := d.BoolProperty("compression", false)
	if err != nil {
		return nil, err
	}
	gc, err := d.DurationProperty("gc_interval", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return NewBadger(d.Name, d.EffectiveNamespace(), d.Property("path", ""),
		WithBadgerInMemory(inMemory),
		WithBadgerCompression(compress),
		WithBadgerGCInterval(gc),
		WithBadgerLogger(logger),
	)
}

// Name returns the store name.
func (b *Badger) Name() string { return b.name }

// Get returns a copy of the value of key.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
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
	err := b.db.View(func(txn *badger.Txn) error {
		v, ok, err := b.load(txn, key)
		value, found = v, ok
		return err
	})
	return value, found, err
}

// Put stores value under key.
func (b *Badger) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
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

	return b.update(func(txn *badger.Txn) error {
		return b.store(txn, key, value, ttl)
	})
}

// SetTTL rewrites an existing entry with a new TTL.
func (b *Badger) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
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
	err := b.update(func(txn *badger.Txn) error {
		updated = false
		v, ok, err := b.load(txn, key)
		if err != nil || !ok {
			return err
		}
		updated = true
		return b.store(txn, key, v, ttl)
	})
	return updated, err
}

// CompareAndSet swaps the value of key when it currently equals expected.
// Badger's optimistic transactions abort on a concurrent write to key; the
// comparison is then retried against the new value.
func (b *Badger) CompareAndSet(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
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
	err := b.update(func(txn *badger.Txn) error {
		swapped = false
		current, ok, err := b.load(txn, key)
		if err != nil {
			return err
		}
		if !sameValue(current, ok, expected) {
			return nil
		}
		swapped = true
		return b.store(txn, key, value, ttl)
	})
	return swapped, err
}

// Keys returns a sorted snapshot of live keys with prefix.
func (b *Badger) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	defer b.closeMu.RUnlock()

	seek := b.key(prefix)
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = seek
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			keys = append(keys, string(item.Key()[len(b.prefix):]))
		}
		return nil
	})
	return keys, err
}

// Clear drops every key of the namespace.
func (b *Badger) Clear(_ context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	defer b.closeMu.RUnlock()
	return b.db.DropPrefix(b.prefix)
}

// Close stops background GC and releases the shared database.
func (b *Badger) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.janitor.stop()
	return b.release()
}

func (b *Badger) guard() error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (b *Badger) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	for {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (b *Badger) load(txn *badger.Txn, key string) ([]byte, bool, error) {
	item, err := txn.Get(b.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *Badger) store(txn *badger.Txn, key string, value []byte, ttl time.Duration) error {
	if len(value) == 0 {
		return txn.Delete(b.key(key))
	}
	e := badger.NewEntry(b.key(key), cloneBytes(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

// valueLogGC reclaims value log space left behind by overwritten and
// expired entries. Badger expires keys itself, so nothing is counted.
func (b *Badger) valueLogGC(context.Context) (int, error) {
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		return 0, err
	}
	return 0, nil
}

var _ Store = (*Badger)(nil)
