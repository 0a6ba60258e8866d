package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Registry resolves store names to provider instances. Names without an
// explicit descriptor get a copy of the "default" descriptor with the name
// and namespace replaced, so they are isolated from each other.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	factories   map[string]Factory
	stores      map[string]Store
	logger      *slog.Logger
	instrument  bool
	shutdown    bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to provider factories.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithFactory registers an additional provider, or replaces a built-in one.
func WithFactory(provider string, f Factory) RegistryOption {
	return func(r *Registry) { r.factories[provider] = f }
}

// WithInstrumentation toggles recording of per-operation metrics.
// Enabled by default.
func WithInstrumentation(enabled bool) RegistryOption {
	return func(r *Registry) { r.instrument = enabled }
}

// NewRegistry validates descriptors and returns a registry over them. A
// descriptor named "default" is required.
func NewRegistry(descriptors []Descriptor, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[string]Descriptor, len(descriptors)),
		factories:   DefaultFactories(),
		stores:      make(map[string]Store),
		logger:      slog.Default(),
		instrument:  true,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, ErrInvalidName
		}
		if _, dup := r.descriptors[d.Name]; dup {
			return nil, fmt.Errorf("kv: duplicate store descriptor %q", d.Name)
		}
		r.descriptors[d.Name] = d
	}
	if _, ok := r.descriptors[DefaultStoreName]; !ok {
		return nil, ErrNoDefault
	}
	return r, nil
}

// Register adds or replaces the factory for provider.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Descriptor returns the descriptor Store would use for name.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	if name == "" {
		return Descriptor{}, ErrInvalidName
	}
	if d, ok := r.descriptors[name]; ok {
		return d, nil
	}
	return r.descriptors[DefaultStoreName].Copy(name), nil
}

// Store returns the store for name, creating it on first use. Repeated calls
// with one name return the same instance until Shutdown.
func (r *Registry) Store(name string) (Store, error) {
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

	factory, ok := r.factories[d.Provider]
	if !ok {
		return nil, fmt.Errorf("%w %q for store %s", ErrUnknownProvider, d.Provider, name)
	}
	s, err := factory(d, r.logger.With("store", name, "provider", d.Provider))
	if err != nil {
		return nil, fmt.Errorf("creating store %s: %w", name, err)
	}
	if r.instrument {
		s = Instrument(s, d.Provider)
	}
	r.stores[name] = s

	r.logger.Debug("kv store created",
		"store", name,
		"provider", d.Provider,
		"namespace", d.EffectiveNamespace(),
	)
	return s, nil
}

// Names returns the sorted names of the stores created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Shutdown closes every created store and empties the cache. Later lookups
// fail with ErrRegistryShutdown.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store %s: %w", name, err))
		}
	}
	clear(r.stores)
	r.shutdown = true
	return errors.Join(errs...)
}
