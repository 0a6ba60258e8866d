package kv

import (
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"
)

// Descriptor configures one named store.
type Descriptor struct {
	// Name is the logical store name callers look the store up by.
	Name string `mapstructure:"name" json:"name"`

	// Namespace partitions a physical backend so several stores can share
	// it. Defaults to Name.
	Namespace string `mapstructure:"namespace" json:"namespace"`

	// Provider selects the registered factory, e.g. "memory" or "bolt".
	Provider string `mapstructure:"provider" json:"provider"`

	// Properties holds provider specific settings.
	Properties map[string]string `mapstructure:"properties" json:"properties,omitempty"`
}

// Copy returns a descriptor for name that shares everything else with d.
// The namespace is set to name so the copy is isolated from d's data.
func (d Descriptor) Copy(name string) Descriptor {
	return Descriptor{
		Name:       name,
		Namespace:  name,
		Provider:   d.Provider,
		Properties: maps.Clone(d.Properties),
	}
}

// EffectiveNamespace returns Namespace, falling back to Name.
func (d Descriptor) EffectiveNamespace() string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return d.Name
}

// Property returns a property value or def when unset.
func (d Descriptor) Property(key, def string) string {
	if v, ok := d.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// DurationProperty parses a property with time.ParseDuration.
func (d Descriptor) DurationProperty(key string, def time.Duration) (time.Duration, error) {
	v := d.Property(key, "")
	if v == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("store %s: property %s: %w", d.Name, key, err)
	}
	return dur, nil
}

// BoolProperty parses a property with strconv.ParseBool.
func (d Descriptor) BoolProperty(key string, def bool) (bool, error) {
	v := d.Property(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("store %s: property %s: %w", d.Name, key, err)
	}
	return b, nil
}

// Factory creates an initialized store for a descriptor.
type Factory func(d Descriptor, logger *slog.Logger) (Store, error)

// Provider identifiers of the built-in factories.
const (
	ProviderMemory = "memory"
	ProviderBolt   = "bolt"
	ProviderBadger = "badger"
	ProviderSQLite = "sqlite"
	ProviderConsul = "consul"
)

// DefaultFactories returns the built-in providers keyed by identifier. Each
// call gets its own MemorySpaces, so memory stores created through one map
// are invisible to those created through another.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		ProviderMemory: NewMemorySpaces().Factory(),
		ProviderBolt:   NewBoltFromDescriptor,
		ProviderBadger: NewBadgerFromDescriptor,
		ProviderSQLite: NewSQLiteFromDescriptor,
		ProviderConsul: NewConsulFromDescriptor,
	}
}
