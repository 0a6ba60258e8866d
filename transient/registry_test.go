package transient_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/transient"
)

func newTestRegistries(t *testing.T, descriptors ...kv.Descriptor) (*kv.Registry, *transient.Registry) {
	t.Helper()

	kvRegistry, err := kv.NewRegistry([]kv.Descriptor{{
		Name:     kv.DefaultStoreName,
		Provider: kv.ProviderMemory,
		Properties: map[string]string{
			"sweep_interval": "0s",
		},
	}})
	require.NoError(t, err)

	if len(descriptors) == 0 {
		descriptors = []kv.Descriptor{{
			Name:       kv.DefaultStoreName,
			Provider:   transient.ProviderFilesystem,
			Properties: map[string]string{"directory": t.TempDir()},
		}}
	}
	registry, err := transient.NewRegistry(kvRegistry, descriptors)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, registry.Shutdown())
		assert.NoError(t, kvRegistry.Shutdown())
	})
	return kvRegistry, registry
}

// storeName gives each test its own store and content directory names.
func storeName(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s", strings.ReplaceAll(t.Name(), "/", "-"), name)
}

func TestRegistryRequiresKVRegistry(t *testing.T) {
	_, err := transient.NewRegistry(nil, nil)
	require.Error(t, err)
}

func TestRegistryRejectsBadDescriptors(t *testing.T) {
	kvRegistry, _ := newTestRegistries(t)

	_, err := transient.NewRegistry(kvRegistry, []kv.Descriptor{{Provider: transient.ProviderFilesystem}})
	require.ErrorIs(t, err, kv.ErrInvalidName)

	_, err = transient.NewRegistry(kvRegistry, []kv.Descriptor{{Name: "a"}, {Name: "a"}})
	require.Error(t, err)
}

func TestRegistryCopiesDefaultPerName(t *testing.T) {
	ctx := context.Background()
	kvRegistry, registry := newTestRegistries(t)

	a, err := registry.Store(storeName(t, "a"))
	require.NoError(t, err)
	b, err := registry.Store(storeName(t, "b"))
	require.NoError(t, err)

	again, err := registry.Store(storeName(t, "a"))
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = a.PutBlobs(ctx, "id", []transient.BlobInput{blobOf("in a")})
	require.NoError(t, err)

	exists, err := b.Exists(ctx, "id")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Contains(t, kvRegistry.Names(), transient.KVStorePrefix+storeName(t, "a"))
	assert.Contains(t, kvRegistry.Names(), transient.KVStorePrefix+storeName(t, "b"))

	stores := registry.Stores()
	require.Len(t, stores, 2)
	assert.Equal(t, a.Name(), stores[0].Name())
	assert.Equal(t, b.Name(), stores[1].Name())
}

func TestRegistryAppliesDescriptorProperties(t *testing.T) {
	ctx := context.Background()
	name := storeName(t, "limited")
	_, registry := newTestRegistries(t,
		kv.Descriptor{
			Name:       kv.DefaultStoreName,
			Properties: map[string]string{"directory": t.TempDir()},
		},
		kv.Descriptor{
			Name: name,
			Properties: map[string]string{
				"directory":   t.TempDir(),
				"max_size":    "1k",
				"ttl":         "1h",
				"release_ttl": "5m",
				"gc_grace":    "0s",
			},
		},
	)

	s, err := registry.Store(name)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), s.MaxSize())

	_, err = s.PutBlobs(ctx, "big", []transient.BlobInput{blobOf(strings.Repeat("x", 1025))})
	require.ErrorIs(t, err, transient.ErrMaximumTransientSpaceExceeded)

	def, err := registry.Store(storeName(t, "other"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), def.MaxSize())
}

func TestRegistryRejectsInvalidProperties(t *testing.T) {
	name := storeName(t, "bad")
	_, registry := newTestRegistries(t,
		kv.Descriptor{Name: kv.DefaultStoreName, Properties: map[string]string{"directory": t.TempDir()}},
		kv.Descriptor{Name: name, Properties: map[string]string{"max_size": "lots"}},
		kv.Descriptor{Name: name + "-ttl", Properties: map[string]string{"ttl": "soon"}},
		kv.Descriptor{Name: name + "-provider", Provider: "s3"},
	)

	_, err := registry.Store(name)
	require.Error(t, err)

	_, err = registry.Store(name + "-ttl")
	require.Error(t, err)

	_, err = registry.Store(name + "-provider")
	require.ErrorIs(t, err, kv.ErrUnknownProvider)

	_, err = registry.Store("")
	require.ErrorIs(t, err, kv.ErrInvalidName)
}

func TestRegistryShutdown(t *testing.T) {
	_, registry := newTestRegistries(t)

	_, err := registry.Store(storeName(t, "a"))
	require.NoError(t, err)

	require.NoError(t, registry.Shutdown())
	assert.Empty(t, registry.Stores())

	_, err = registry.Store(storeName(t, "a"))
	require.ErrorIs(t, err, transient.ErrRegistryShutdown)
}

func TestRegistryCopiesDoNotInheritKVStore(t *testing.T) {
	ctx := context.Background()
	_, registry := newTestRegistries(t, kv.Descriptor{
		Name:     kv.DefaultStoreName,
		Provider: transient.ProviderFilesystem,
		Properties: map[string]string{
			"directory": t.TempDir(),
			"kv_store":  "meta",
		},
	})

	d, err := registry.Descriptor("a")
	require.NoError(t, err)
	assert.NotContains(t, d.Properties, "kv_store")

	a, err := registry.Store("a")
	require.NoError(t, err)
	b, err := registry.Store("b")
	require.NoError(t, err)

	require.NoError(t, a.PutParameter(ctx, "job", "state", "running"))
	_, err = a.PutBlobs(ctx, "job", []transient.BlobInput{blobOf("hello")})
	require.NoError(t, err)

	exists, err := b.Exists(ctx, "job")
	require.NoError(t, err)
	assert.False(t, exists)

	size, err := b.StorageSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRegistryRejectsSharedKVStore(t *testing.T) {
	kvRegistry, _ := newTestRegistries(t)

	_, err := transient.NewRegistry(kvRegistry, []kv.Descriptor{
		{Name: "a", Properties: map[string]string{"kv_store": "meta"}},
		{Name: "b", Properties: map[string]string{"kv_store": "meta"}},
	})
	require.Error(t, err)

	_, err = transient.NewRegistry(kvRegistry, []kv.Descriptor{
		{Name: "a", Properties: map[string]string{"kv_store": "transient/b"}},
		{Name: "b"},
	})
	require.Error(t, err)
}
