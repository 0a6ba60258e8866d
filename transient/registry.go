package transient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	units "github.com/docker/go-units"

	"github.com/wolfeidau/ephemeral/backend"
	"github.com/wolfeidau/ephemeral/kv"
)

// ProviderFilesystem keeps blob content in a local directory.
const ProviderFilesystem = "filesystem"

// KVStorePrefix prefixes the kv store name backing each transient store.
const KVStorePrefix = "transient/"

// Registry resolves transient store names the way kv.Registry does: names
// without an explicit descriptor get a copy of the "default" descriptor.
type Registry struct {
	kv          *kv.Registry
	descriptors map[string]kv.Descriptor
	logger      *slog.Logger
	opts        []Option

	mu       sync.Mutex
	stores   map[string]*Store
	shutdown bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to created stores.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithStoreOptions appends options applied to every created store after
// its descriptor settings.
func WithStoreOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// NewRegistry returns a registry whose stores keep their metadata in
// kvRegistry. A filesystem "default" descriptor is assumed when none is
// given.
func NewRegistry(kvRegistry *kv.Registry, descriptors []kv.Descriptor, opts ...RegistryOption) (*Registry, error) {
	if kvRegistry == nil {
		return nil, errors.New("transient: kv registry is required")
	}
	r := &Registry{
		kv:          kvRegistry,
		descriptors: make(map[string]kv.Descriptor, len(descriptors)+1),
		logger:      slog.Default(),
		stores:      make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, kv.ErrInvalidName
		}
		if _, dup := r.descriptors[d.Name]; dup {
			return nil, fmt.Errorf("transient: duplicate store descriptor %q", d.Name)
		}
		if d.Provider == "" {
			d.Provider = ProviderFilesystem
		}
		r.descriptors[d.Name] = d
	}
	if _, ok := r.descriptors[kv.DefaultStoreName]; !ok {
		r.descriptors[kv.DefaultStoreName] = kv.Descriptor{
			Name:     kv.DefaultStoreName,
			Provider: ProviderFilesystem,
		}
	}

	owners := make(map[string]string, len(r.descriptors))
	for name, d := range r.descriptors {
		store := kvStoreName(d)
		if other, dup := owners[store]; dup {
			return nil, fmt.Errorf("transient: stores %q and %q both use kv store %q", other, name, store)
		}
		owners[store] = name
	}
	return r, nil
}

// kvStoreName returns the kv store holding the metadata of d.
func kvStoreName(d kv.Descriptor) string {
	return d.Property("kv_store", KVStorePrefix+d.Name)
}

// Descriptor returns the descriptor Store would use for name.
func (r *Registry) Descriptor(name string) (kv.Descriptor, error) {
	if name == "" {
		return kv.Descriptor{}, kv.ErrInvalidName
	}
	if d, ok := r.descriptors[name]; ok {
		return d, nil
	}
	// kv_store names one kv store, so copies fall back to their own
	d := r.descriptors[kv.DefaultStoreName].Copy(name)
	delete(d.Properties, "kv_store")
	return d, nil
}

// Store returns the transient store for name, creating it on first use.
func (r *Registry) Store(name string) (*Store, error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrRegistryShutdown
	}
	if s, ok := r.stores[name]; ok {
		return s, nil
	}

	s, err := r.create(name, d)
	if err != nil {
		return nil, fmt.Errorf("creating transient store %s: %w", name, err)
	}
	r.stores[name] = s
	return s, nil
}

func (r *Registry) create(name string, d kv.Descriptor) (*Store, error) {
	if d.Provider != ProviderFilesystem {
		return nil, fmt.Errorf("%w %q", kv.ErrUnknownProvider, d.Provider)
	}

	opts, err := descriptorOptions(d)
	if err != nil {
		return nil, err
	}

	metadata, err := r.kv.Store(kvStoreName(d))
	if err != nil {
		return nil, err
	}

	root := d.Property("directory", filepath.Join(os.TempDir(), "ephemeral"))
	fs, err := backend.NewFilesystem(filepath.Join(root, url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	content := backend.NewInstrumentedBackend(fs, name)

	logger := r.logger.With("transient_store", name)
	opts = append(opts, WithLogger(logger))
	opts = append(opts, r.opts...)

	s, err := New(name, metadata, content, opts...)
	if err != nil {
		return nil, err
	}
	logger.Debug("transient store created",
		"content_root", fs.Root(),
		"max_size", s.MaxSize(),
	)
	return s, nil
}

// descriptorOptions translates descriptor properties into store options.
func descriptorOptions(d kv.Descriptor) ([]Option, error) {
	var opts []Option

	if v := d.Property("max_size", ""); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return nil, fmt.Errorf("store %s: property max_size: %w", d.Name, err)
		}
		opts = append(opts, WithMaxSize(n))
	}

	ttl, err := d.DurationProperty("ttl", 0)
	if err != nil {
		return nil, err
	}
	releaseTTL, err := d.DurationProperty("release_ttl", DefaultReleaseTTL)
	if err != nil {
		return nil, err
	}
	grace, err := d.DurationProperty("gc_grace", 0)
	if err != nil {
		return nil, err
	}
	return append(opts, WithTTL(ttl), WithReleaseTTL(releaseTTL), WithGCGrace(grace)), nil
}

// Stores returns the stores created so far, sorted by name.
func (r *Registry) Stores() []*Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	slices.SortFunc(stores, func(a, b *Store) int {
		return strings.Compare(a.name, b.name)
	})
	return stores
}

// Shutdown releases every created store. The backing kv stores belong to
// the kv registry, which is shut down separately.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stores {
		s.Close()
	}
	clear(r.stores)
	r.shutdown = true
	return nil
}
