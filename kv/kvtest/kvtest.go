// Package kvtest is a behavioural test suite shared by every kv provider.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ephemeral/kv"
)

// Opener returns a new, empty store isolated from every other store the
// opener returned. The suite closes it.
type Opener func(t *testing.T) kv.Store

// Options tunes the suite for provider limitations.
type Options struct {
	// TTL is the shortest expiration the provider honours reliably.
	TTL time.Duration

	// SkipConcurrency skips the concurrent writer tests.
	SkipConcurrency bool
}

// Run exercises the kv.Store contract against stores from open.
func Run(t *testing.T, open Opener, opts Options) {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = time.Second
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := openStore(t, open)
		v, ok, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, v)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "a", []byte("alpha"), 0))
		v, ok, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("alpha"), v)

		require.NoError(t, s.Put(ctx, "a", []byte("beta"), 0))
		v, _, err = s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("beta"), v)
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		in := []byte("value")
		require.NoError(t, s.Put(ctx, "k", in, 0))
		in[0] = 'X'

		out, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("value"), out)
		out[0] = 'Y'

		again, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("value"), again)
	})

	t.Run("EmptyValueDeletes", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
		require.NoError(t, s.Put(ctx, "k", nil, 0))
		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
		require.NoError(t, s.Put(ctx, "k", []byte{}, 0))
		_, ok, err = s.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		_, _, err := s.Get(ctx, "")
		require.ErrorIs(t, err, kv.ErrInvalidKey)
		require.ErrorIs(t, s.Put(ctx, "", []byte("v"), 0), kv.ErrInvalidKey)
		_, err = s.SetTTL(ctx, "", time.Minute)
		require.ErrorIs(t, err, kv.ErrInvalidKey)
		_, err = s.CompareAndSet(ctx, "", nil, []byte("v"), 0)
		require.ErrorIs(t, err, kv.ErrInvalidKey)
	})

	t.Run("NegativeTTL", func(t *testing.T) {
		s := openStore(t, open)
		require.Error(t, s.Put(context.Background(), "k", []byte("v"), -time.Second))
	})

	t.Run("TTLExpires", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "short", []byte("v"), opts.TTL))
		require.NoError(t, s.Put(ctx, "long", []byte("v"), 0))

		require.Eventually(t, func() bool {
			_, ok, err := s.Get(ctx, "short")
			return err == nil && !ok
		}, opts.TTL+3*time.Second, 50*time.Millisecond)

		_, ok, err := s.Get(ctx, "long")
		require.NoError(t, err)
		require.True(t, ok)

		keys, err := s.Keys(ctx, "")
		require.NoError(t, err)
		require.Equal(t, []string{"long"}, keys)
	})

	t.Run("PutResetsTTL", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", []byte("v1"), opts.TTL))
		require.NoError(t, s.Put(ctx, "k", []byte("v2"), 0))
		time.Sleep(opts.TTL + 500*time.Millisecond)

		v, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v2"), v)
	})

	t.Run("SetTTL", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		ok, err := s.SetTTL(ctx, "absent", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
		_, found, err := s.Get(ctx, "absent")
		require.NoError(t, err)
		require.False(t, found, "SetTTL must not create keys")

		require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
		ok, err = s.SetTTL(ctx, "k", opts.TTL)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			_, found, err := s.Get(ctx, "k")
			return err == nil && !found
		}, opts.TTL+3*time.Second, 50*time.Millisecond)
	})

	t.Run("SetTTLZeroRemovesExpiry", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", []byte("v"), opts.TTL))
		ok, err := s.SetTTL(ctx, "k", 0)
		require.NoError(t, err)
		require.True(t, ok)
		time.Sleep(opts.TTL + 500*time.Millisecond)

		v, found, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("v"), v)
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		swapped, err := s.CompareAndSet(ctx, "k", nil, []byte("one"), 0)
		require.NoError(t, err)
		require.True(t, swapped, "absent key matches empty expectation")

		swapped, err = s.CompareAndSet(ctx, "k", nil, []byte("two"), 0)
		require.NoError(t, err)
		require.False(t, swapped, "present key does not match empty expectation")

		swapped, err = s.CompareAndSet(ctx, "k", []byte("wrong"), []byte("two"), 0)
		require.NoError(t, err)
		require.False(t, swapped)

		v, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("one"), v)

		swapped, err = s.CompareAndSet(ctx, "k", []byte("one"), []byte("two"), 0)
		require.NoError(t, err)
		require.True(t, swapped)

		swapped, err = s.CompareAndSet(ctx, "k", []byte("two"), nil, 0)
		require.NoError(t, err)
		require.True(t, swapped)
		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok, "empty replacement deletes the key")

		swapped, err = s.CompareAndSet(ctx, "other", []byte("x"), []byte("y"), 0)
		require.NoError(t, err)
		require.False(t, swapped, "absent key does not match a value")
	})

	t.Run("CompareAndSetExpiredIsAbsent", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", []byte("old"), opts.TTL))
		require.Eventually(t, func() bool {
			_, ok, err := s.Get(ctx, "k")
			return err == nil && !ok
		}, opts.TTL+3*time.Second, 50*time.Millisecond)

		swapped, err := s.CompareAndSet(ctx, "k", []byte("old"), []byte("new"), 0)
		require.NoError(t, err)
		require.False(t, swapped)

		swapped, err = s.CompareAndSet(ctx, "k", nil, []byte("new"), 0)
		require.NoError(t, err)
		require.True(t, swapped)
	})

	t.Run("Keys", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		for _, k := range []string{"b/2", "a/1", "b/1", "c", "b/10"} {
			require.NoError(t, s.Put(ctx, k, []byte("v"), 0))
		}

		all, err := s.Keys(ctx, "")
		require.NoError(t, err)
		require.Equal(t, []string{"a/1", "b/1", "b/10", "b/2", "c"}, all)

		b, err := s.Keys(ctx, "b/")
		require.NoError(t, err)
		require.Equal(t, []string{"b/1", "b/10", "b/2"}, b)

		none, err := s.Keys(ctx, "zzz")
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("Clear", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, "b", []byte("2"), time.Hour))
		require.NoError(t, s.Clear(ctx))

		keys, err := s.Keys(ctx, "")
		require.NoError(t, err)
		require.Empty(t, keys)

		require.NoError(t, s.Put(ctx, "a", []byte("again"), 0))
		v, ok, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("again"), v)
	})

	t.Run("Close", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Close())
		require.NoError(t, s.Close(), "Close is idempotent")

		_, _, err := s.Get(ctx, "k")
		require.ErrorIs(t, err, kv.ErrClosed)
		require.ErrorIs(t, s.Put(ctx, "k", []byte("v"), 0), kv.ErrClosed)
		_, err = s.CompareAndSet(ctx, "k", nil, []byte("v"), 0)
		require.ErrorIs(t, err, kv.ErrClosed)
		_, err = s.Keys(ctx, "")
		require.ErrorIs(t, err, kv.ErrClosed)
	})

	if opts.SkipConcurrency {
		return
	}

	t.Run("ConcurrentCompareAndSetSingleWinner", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		const writers = 16
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				swapped, err := s.CompareAndSet(ctx, "lock", nil, []byte(fmt.Sprintf("owner-%d", i)), 0)
				assert.NoError(t, err)
				if swapped {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), winners.Load())
	})

	t.Run("ConcurrentAddAndGet", func(t *testing.T) {
		s := openStore(t, open)
		ctx := context.Background()

		const writers, increments = 8, 10
		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range increments {
					_, err := kv.AddAndGet(ctx, s, "counter", 1)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		n, err := kv.GetInt(ctx, s, "counter")
		require.NoError(t, err)
		require.Equal(t, int64(writers*increments), n)

		n, err = kv.AddAndGet(ctx, s, "counter", -writers*increments)
		require.NoError(t, err)
		require.Zero(t, n)
		_, ok, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		require.False(t, ok, "a zero counter is deleted")
	})
}

func openStore(t *testing.T, open Opener) kv.Store {
	t.Helper()
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
