package kv_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/kv/kvtest"
)

var namespaceSeq atomic.Int64

// uniqueNamespace isolates stores of providers that share process-wide
// handles between namespaces.
func uniqueNamespace(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), namespaceSeq.Add(1))
}

func TestMemoryContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewMemory("test", uniqueNamespace(t), kv.WithMemorySweepInterval(0))
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: 200 * time.Millisecond})
}

func TestBoltContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewBolt("test", uniqueNamespace(t), path,
			kv.WithBoltNoSync(true),
			kv.WithBoltSweepInterval(0),
		)
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: 200 * time.Millisecond})
}

func TestBadgerContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewBadger("test", uniqueNamespace(t), "", kv.WithBadgerInMemory(true))
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: time.Second})
}

func TestBadgerOnDiskContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping on-disk badger in short mode")
	}
	dir := t.TempDir()
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewBadger("test", uniqueNamespace(t), dir, kv.WithBadgerGCInterval(0))
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: time.Second})
}

func TestSQLiteContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.sqlite")
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewSQLite("test", uniqueNamespace(t), path, kv.WithSQLiteSweepInterval(0))
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: 200 * time.Millisecond})
}

func TestConsulContract(t *testing.T) {
	fake := newFakeConsulKV()
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.NewConsul("test", uniqueNamespace(t), fake, kv.WithConsulSweepInterval(0))
		require.NoError(t, err)
		return s
	}, kvtest.Options{TTL: 200 * time.Millisecond})
}

func TestSharedNamespaceSeesSameData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	a, err := kv.NewBolt("a", "shared", path, kv.WithBoltSweepInterval(0))
	require.NoError(t, err)
	defer a.Close()
	b, err := kv.NewBolt("b", "shared", path, kv.WithBoltSweepInterval(0))
	require.NoError(t, err)
	defer b.Close()
	c, err := kv.NewBolt("c", "other", path, kv.WithBoltSweepInterval(0))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, a.Put(ctx, "k", []byte("v"), 0))

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// Closing one store keeps the shared file open for the others.
	require.NoError(t, a.Close())
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	s, err := kv.NewMemory("sweep", uniqueNamespace(t), kv.WithMemoryClock(clock), kv.WithMemorySweepInterval(0))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, s.Put(ctx, "c", []byte("3"), 0))

	now = now.Add(2 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)

	// Entries without a ttl still outlive any realistic clock advance.
	now = now.Add(365 * 24 * time.Hour)
	_, ok, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBoltSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	s, err := kv.NewBolt("sweep", "sweep", filepath.Join(t.TempDir(), "kv.db"),
		kv.WithBoltClock(clock),
		kv.WithBoltSweepInterval(0),
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), 0))

	now = now.Add(time.Hour)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSQLiteSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	s, err := kv.NewSQLite("sweep", uniqueNamespace(t), ":memory:",
		kv.WithSQLiteClock(clock),
		kv.WithSQLiteSweepInterval(0),
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), 0))

	now = now.Add(time.Hour)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)
}

func TestConsulLayout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeConsulKV()

	s, err := kv.NewConsul("jobs", "jobs-ns", fake,
		kv.WithConsulPrefix("/apps/ephemeral/"),
		kv.WithConsulSweepInterval(0),
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "entry/1", []byte("v"), 0))
	require.Contains(t, fake.keys(), "apps/ephemeral/jobs-ns/entry/1")

	require.NoError(t, s.Clear(ctx))
	require.Empty(t, fake.keys())
}

func TestConsulSweepSkipsRewrittenKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	fake := newFakeConsulKV()

	s, err := kv.NewConsul("sweep", "sweep", fake,
		kv.WithConsulClock(func() time.Time { return now }),
		kv.WithConsulSweepInterval(0),
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, s.Put(ctx, "c", []byte("3"), 0))

	now = now.Add(time.Hour)
	fake.beforeDeleteCAS = func(key string) {
		if key == "ephemeral/sweep/b" {
			fake.bump(key)
		}
	}

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.ElementsMatch(t, []string{"ephemeral/sweep/b", "ephemeral/sweep/c"}, fake.keys())
}

func TestDescriptorFactoriesRequirePaths(t *testing.T) {
	logger := discardLogger()

	_, err := kv.NewBoltFromDescriptor(kv.Descriptor{Name: "x", Provider: kv.ProviderBolt}, logger)
	require.Error(t, err)

	_, err = kv.NewBadgerFromDescriptor(kv.Descriptor{Name: "x", Provider: kv.ProviderBadger}, logger)
	require.Error(t, err)

	_, err = kv.NewMemoryFromDescriptor(kv.Descriptor{
		Name:       "x",
		Provider:   kv.ProviderMemory,
		Properties: map[string]string{"sweep_interval": "soon"},
	}, logger)
	require.Error(t, err)
}

func TestMemorySpacesScopeSharing(t *testing.T) {
	ctx := context.Background()
	spaces := kv.NewMemorySpaces()

	a, err := kv.NewMemory("a", "jobs", kv.WithMemorySpaces(spaces), kv.WithMemorySweepInterval(0))
	require.NoError(t, err)
	defer a.Close()
	b, err := kv.NewMemory("b", "jobs", kv.WithMemorySpaces(spaces), kv.WithMemorySweepInterval(0))
	require.NoError(t, err)
	defer b.Close()
	private, err := kv.NewMemory("c", "jobs", kv.WithMemorySweepInterval(0))
	require.NoError(t, err)
	defer private.Close()

	require.NoError(t, a.Put(ctx, "k", []byte("v"), 0))

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = private.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
