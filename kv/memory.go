package kv

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemorySpaces holds the namespaces of memory stores. Stores opened with the
// same MemorySpaces and namespace see the same data; stores on different
// MemorySpaces never do. Each Registry owns one.
type MemorySpaces struct {
	pool *handlePool[*memorySpace]
}

// NewMemorySpaces returns an empty set of namespaces.
func NewMemorySpaces() *MemorySpaces {
	return &MemorySpaces{pool: newHandlePool[*memorySpace]()}
}

// Factory returns a memory provider Factory whose stores share p.
func (p *MemorySpaces) Factory() Factory {
	return func(d Descriptor, logger *slog.Logger) (Store, error) {
		return newMemoryFromDescriptor(d, logger, WithMemorySpaces(p))
	}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// memorySpace is the data of one namespace, shared by every memory store
// configured with that namespace.
type memorySpace struct {
	// mu serializes every mutation; CompareAndSet holds it across the
	// read, compare and write.
	mu      sync.RWMutex
	data    map[string]memoryEntry
	janitor *janitor
}

// Memory is an in-process Store.
type Memory struct {
	name    string
	space   *memorySpace
	release func() error
	now     func() time.Time
	logger  *slog.Logger

	closeMu sync.RWMutex
	closed  bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
	spaces        *MemorySpaces
}

// WithMemoryClock sets the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// WithMemorySweepInterval sets how often expired entries are purged.
// Zero disables the background sweeper.
func WithMemorySweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.sweepInterval = d }
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(o *memoryOptions) { o.logger = logger }
}

// WithMemorySpaces opens the store inside spaces. Without it the store gets
// a private namespace set of its own.
func WithMemorySpaces(spaces *MemorySpaces) MemoryOption {
	return func(o *memoryOptions) { o.spaces = spaces }
}

// NewMemory opens the in-memory store name backed by namespace.
func NewMemory(name, namespace string, opts ...MemoryOption) (*Memory, error) {
	o := memoryOptions{
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
	if o.spaces == nil {
		o.spaces = NewMemorySpaces()
	}

	m := &Memory{name: name, now: o.now, logger: o.logger}
	space, release, err := o.spaces.pool.acquire(namespace,
		func() (*memorySpace, error) {
			s := &memorySpace{data: make(map[string]memoryEntry)}
			s.janitor = startJanitor(o.sweepInterval, o.logger, namespace, func(context.Context) (int, error) {
				return s.sweep(o.now()), nil
			})
			return s, nil
		},
		func(s *memorySpace) error {
			s.janitor.stop()
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	m.space = space
	m.release = release
	return m, nil
}

// NewMemoryFromDescriptor is a Factory for the memory provider whose store
// shares data with no other store. Registries use MemorySpaces.Factory.
// Properties: sweep_interval (duration, default 1m).
func NewMemoryFromDescriptor(d Descriptor, logger *slog.Logger) (Store, error) {
	return newMemoryFromDescriptor(d, logger)
}

func newMemoryFromDescriptor(d Descriptor, logger *slog.Logger, opts ...MemoryOption) (Store, error) {
	interval, err := d.DurationProperty("sweep_interval", time.Minute)
	if err != nil {
		return nil, err
	}
	opts = append([]MemoryOption{
		WithMemorySweepInterval(interval),
		WithMemoryLogger(logger),
	}, opts...)
	return NewMemory(d.Name, d.EffectiveNamespace(), opts...)
}

// Name returns the store name.
func (m *Memory) Name() string { return m.name }

// Get returns a copy of the value of key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := m.guard(); err != nil {
		return nil, false, err
	}
	defer m.closeMu.RUnlock()

	m.space.mu.RLock()
	e, ok := m.space.data[key]
	m.space.mu.RUnlock()
	if !ok || expired(e.expiresAt, m.now()) {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

// Put stores a copy of value.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := m.guard(); err != nil {
		return err
	}
	defer m.closeMu.RUnlock()

	m.space.mu.Lock()
	defer m.space.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

// SetTTL replaces the expiration of an existing key.
func (m *Memory) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := m.guard(); err != nil {
		return false, err
	}
	defer m.closeMu.RUnlock()

	m.space.mu.Lock()
	defer m.space.mu.Unlock()

	now := m.now()
	e, ok := m.space.data[key]
	if !ok || expired(e.expiresAt, now) {
		return false, nil
	}
	e.expiresAt = m.deadline(now, ttl)
	m.space.data[key] = e
	return true, nil
}

// CompareAndSet swaps the value of key when it currently equals expected.
func (m *Memory) CompareAndSet(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := m.guard(); err != nil {
		return false, err
	}
	defer m.closeMu.RUnlock()

	m.space.mu.Lock()
	defer m.space.mu.Unlock()

	e, ok := m.space.data[key]
	present := ok && !expired(e.expiresAt, m.now())
	if !sameValue(e.value, present, expected) {
		return false, nil
	}
	m.set(key, value, ttl)
	return true, nil
}

// Keys returns a sorted snapshot of live keys with prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	defer m.closeMu.RUnlock()

	now := m.now()
	m.space.mu.RLock()
	keys := make([]string, 0, len(m.space.data))
	for k, e := range m.space.data {
		if strings.HasPrefix(k, prefix) && !expired(e.expiresAt, now) {
			keys = append(keys, k)
		}
	}
	m.space.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}

// Clear removes every entry of the namespace.
func (m *Memory) Clear(_ context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	defer m.closeMu.RUnlock()

	m.space.mu.Lock()
	clear(m.space.data)
	m.space.mu.Unlock()
	return nil
}

// Sweep purges expired entries now.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	defer m.closeMu.RUnlock()
	return m.space.sweep(m.now()), nil
}

// Close releases the namespace. The data is dropped once no store uses it.
func (m *Memory) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.release()
}

// guard read-locks closeMu and fails if the store is closed. On success the
// caller must RUnlock closeMu.
func (m *Memory) guard() error {
	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// set must be called with space.mu held.
func (m *Memory) set(key string, value []byte, ttl time.Duration) {
	if len(value) == 0 {
		delete(m.space.data, key)
		return
	}
	m.space.data[key] = memoryEntry{
		value:     cloneBytes(value),
		expiresAt: m.deadline(m.now(), ttl),
	}
}

// deadline gives entries without a ttl the long default horizon rather than
// no deadline at all.
func (m *Memory) deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return now.Add(DefaultHorizon)
	}
	return now.Add(ttl)
}

func (s *memorySpace) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.data {
		if expired(e.expiresAt, now) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

var (
	_ Store   = (*Memory)(nil)
	_ Sweeper = (*Memory)(nil)
)
