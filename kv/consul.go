package kv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulKV is the subset of the consul KV client the provider uses.
// *api.KV satisfies it.
type ConsulKV interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	List(prefix string, q *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
	Put(p *api.KVPair, w *api.WriteOptions) (*api.WriteMeta, error)
	CAS(p *api.KVPair, w *api.WriteOptions) (bool, *api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
	DeleteCAS(p *api.KVPair, w *api.WriteOptions) (bool, *api.WriteMeta, error)
	DeleteTree(prefix string, w *api.WriteOptions) (*api.WriteMeta, error)
}

// Consul is a Store in the consul KV tree under <prefix>/<namespace>/.
// Values carry an expiry header; compare-and-set uses the ModifyIndex check
// of the consul API.
type Consul struct {
	name    string
	root    string
	kv      ConsulKV
	now     func() time.Time
	logger  *slog.Logger
	janitor *janitor

	closeMu sync.RWMutex
	closed  bool
}

// ConsulOption configures a Consul store.
type ConsulOption func(*consulOptions)

type consulOptions struct {
	now           func() time.Time
	prefix        string
	sweepInterval time.Duration
	logger        *slog.Logger
}

// WithConsulClock sets the time source, for tests.
func WithConsulClock(now func() time.Time) ConsulOption {
	return func(o *consulOptions) { o.now = now }
}

// WithConsulPrefix sets the KV path all namespaces live under.
func WithConsulPrefix(prefix string) ConsulOption {
	return func(o *consulOptions) { o.prefix = prefix }
}

// WithConsulSweepInterval sets how often expired keys are deleted. Zero
// disables the background sweeper.
func WithConsulSweepInterval(d time.Duration) ConsulOption {
	return func(o *consulOptions) { o.sweepInterval = d }
}

// WithConsulLogger sets the logger.
func WithConsulLogger(logger *slog.Logger) ConsulOption {
	return func(o *consulOptions) { o.logger = logger }
}

// NewConsul creates the store name on top of a consul KV client.
func NewConsul(name, namespace string, kv ConsulKV, opts ...ConsulOption) (*Consul, error) {
	o := consulOptions{
		now:           time.Now,
		prefix:        "ephemeral",
		sweepInterval: 5 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if kv == nil {
		return nil, fmt.Errorf("store %s: consul client is required", name)
	}
	if namespace == "" {
		namespace = name
	}

	c := &Consul{
		name:   name,
		root:   strings.Trim(o.prefix, "/") + "/" + namespace + "/",
		kv:     kv,
		now:    o.now,
		logger: o.logger,
	}
	c.janitor = startJanitor(o.sweepInterval, o.logger, name, c.sweep)
	return c, nil
}

// NewConsulFromDescriptor is the Factory for the consul provider.
// Properties: address, scheme, token, datacenter, prefix, sweep_interval.
func NewConsulFromDescriptor(d Descriptor, logger *slog.Logger) (Store, error) {
	cfg := api.DefaultConfig()
	if v := d.Property("address", ""); v != "" {
		cfg.Address = v
	}
	if v := d.Property("scheme", ""); v != "" {
		cfg.Scheme = v
	}
	if v := d.Property("token", ""); v != "" {
		cfg.Token = v
	}
	if v := d.Property("datacenter", ""); v != "" {
		cfg.Datacenter = v
	}
	interval, err := d.DurationProperty("sweep_interval", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("store %s: creating consul client: %w", d.Name, err)
	}
	logger.Debug("consul store configured",
		"store", d.Name,
		"address", cfg.Address,
		"token_length", len(cfg.Token),
	)
	return NewConsul(d.Name, d.EffectiveNamespace(), client.KV(),
		WithConsulPrefix(d.Property("prefix", "ephemeral")),
		WithConsulSweepInterval(interval),
		WithConsulLogger(logger),
	)
}

// Name returns the store name.
func (c *Consul) Name() string { return c.name }

// Get returns the value of key.
func (c *Consul) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := c.guard(); err != nil {
		return nil, false, err
	}
	defer c.closeMu.RUnlock()

	value, _, ok, err := c.load(ctx, key)
	return value, ok, err
}

// Put stores value under key.
func (c *Consul) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := c.guard(); err != nil {
		return err
	}
	defer c.closeMu.RUnlock()

	w := (&api.WriteOptions{}).WithContext(ctx)
	if len(value) == 0 {
		if _, err := c.kv.Delete(c.root+key, w); err != nil {
			return fmt.Errorf("consul delete %q: %w", key, err)
		}
		return nil
	}
	pair := &api.KVPair{Key: c.root + key, Value: encodeRecord(value, expiresAt(c.now(), ttl))}
	if _, err := c.kv.Put(pair, w); err != nil {
		return fmt.Errorf("consul put %q: %w", key, err)
	}
	return nil
}

// SetTTL rewrites the expiry header of an existing key.
func (c *Consul) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := c.guard(); err != nil {
		return false, err
	}
	defer c.closeMu.RUnlock()

	for {
		value, index, ok, err := c.load(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		pair := &api.KVPair{
			Key:         c.root + key,
			Value:       encodeRecord(value, expiresAt(c.now(), ttl)),
			ModifyIndex: index,
		}
		done, _, err := c.kv.CAS(pair, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return false, fmt.Errorf("consul cas %q: %w", key, err)
		}
		if done {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

// CompareAndSet swaps the value of key when it currently equals expected.
// A lost ModifyIndex race re-reads and compares again.
func (c *Consul) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := c.guard(); err != nil {
		return false, err
	}
	defer c.closeMu.RUnlock()

	w := (&api.WriteOptions{}).WithContext(ctx)
	for {
		current, index, ok, err := c.load(ctx, key)
		if err != nil {
			return false, err
		}
		if !sameValue(current, ok, expected) {
			return false, nil
		}

		var done bool
		switch {
		case len(value) == 0 && index == 0:
			return true, nil
		case len(value) == 0:
			done, _, err = c.kv.DeleteCAS(&api.KVPair{Key: c.root + key, ModifyIndex: index}, w)
		default:
			done, _, err = c.kv.CAS(&api.KVPair{
				Key:         c.root + key,
				Value:       encodeRecord(value, expiresAt(c.now(), ttl)),
				ModifyIndex: index,
			}, w)
		}
		if err != nil {
			return false, fmt.Errorf("consul cas %q: %w", key, err)
		}
		if done {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

// Keys returns a sorted snapshot of live keys with prefix.
func (c *Consul) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()

	pairs, _, err := c.kv.List(c.root+prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list: %w", err)
	}
	now := c.now()
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		_, deadline, err := decodeRecord(p.Value)
		if err != nil || expired(deadline, now) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(p.Key, c.root))
	}
	return keys, nil
}

// Clear deletes the namespace subtree.
func (c *Consul) Clear(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	defer c.closeMu.RUnlock()

	if _, err := c.kv.DeleteTree(c.root, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul delete tree: %w", err)
	}
	return nil
}

// Sweep deletes expired keys, skipping any rewritten since they were read.
func (c *Consul) Sweep(ctx context.Context) (int, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	defer c.closeMu.RUnlock()
	return c.sweep(ctx)
}

func (c *Consul) sweep(ctx context.Context) (int, error) {
	pairs, _, err := c.kv.List(c.root, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("consul list: %w", err)
	}
	now := c.now()
	w := (&api.WriteOptions{}).WithContext(ctx)
	n := 0
	for _, p := range pairs {
		if _, deadline, err := decodeRecord(p.Value); err != nil || !expired(deadline, now) {
			continue
		}
		done, _, err := c.kv.DeleteCAS(&api.KVPair{Key: p.Key, ModifyIndex: p.ModifyIndex}, w)
		if err != nil {
			return n, fmt.Errorf("consul delete %q: %w", p.Key, err)
		}
		if done {
			n++
		}
	}
	return n, nil
}

// Close stops the sweeper. The consul client holds no resources to release.
func (c *Consul) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.janitor.stop()
	return nil
}

func (c *Consul) guard() error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// load returns the live value of key and its ModifyIndex. An expired key is
// reported absent but keeps its index so a write can replace it.
func (c *Consul) load(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	pair, _, err := c.kv.Get(c.root+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, 0, false, fmt.Errorf("consul get %q: %w", key, err)
	}
	if pair == nil {
		return nil, 0, false, nil
	}
	value, deadline, err := decodeRecord(pair.Value)
	if err != nil {
		return nil, 0, false, fmt.Errorf("decoding %q: %w", key, err)
	}
	if expired(deadline, c.now()) {
		return nil, pair.ModifyIndex, false, nil
	}
	return cloneBytes(value), pair.ModifyIndex, true, nil
}

var (
	_ Store    = (*Consul)(nil)
	_ Sweeper  = (*Consul)(nil)
	_ ConsulKV = (*api.KV)(nil)
)
