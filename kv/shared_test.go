package kv

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlePoolRefCounts(t *testing.T) {
	pool := newHandlePool[*int]()
	var opened, closed int

	open := func() (*int, error) {
		opened++
		v := opened
		return &v, nil
	}
	closeFn := func(*int) error {
		closed++
		return nil
	}

	a, releaseA, err := pool.acquire("k", open, closeFn)
	require.NoError(t, err)
	b, releaseB, err := pool.acquire("k", open, closeFn)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, opened)

	require.NoError(t, releaseA())
	require.NoError(t, releaseA(), "release is idempotent")
	require.Zero(t, closed)

	require.NoError(t, releaseB())
	require.Equal(t, 1, closed)

	c, releaseC, err := pool.acquire("k", open, closeFn)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, 2, opened)
	require.NoError(t, releaseC())
}

func TestHandlePoolOpenError(t *testing.T) {
	pool := newHandlePool[string]()
	boom := errors.New("boom")

	_, _, err := pool.acquire("k", func() (string, error) { return "", boom }, func(string) error { return nil })
	require.ErrorIs(t, err, boom)
	require.Empty(t, pool.items)
}

func TestJanitorRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	j := startJanitor(10*time.Millisecond, discard(), "test", func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	})
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	j.stop()
	j.stop()

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, runs.Load())
}

func TestJanitorDisabled(t *testing.T) {
	j := startJanitor(0, discard(), "test", func(context.Context) (int, error) {
		t.Fatal("sweep must not run")
		return 0, nil
	})
	j.stop()
}

func TestRecordFraming(t *testing.T) {
	deadline := time.Unix(1_700_000_000, 123)
	rec := encodeRecord([]byte("value"), deadline)
	require.Len(t, rec, recordHeaderSize+5)

	v, d, err := decodeRecord(rec)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), v)
	require.True(t, deadline.Equal(d))

	v, d, err = decodeRecord(encodeRecord([]byte("x"), time.Time{}))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), v)
	require.True(t, d.IsZero())

	_, _, err = decodeRecord([]byte{1, 2, 3})
	require.ErrorIs(t, err, errShortRecord)
}

func TestSameValue(t *testing.T) {
	require.True(t, sameValue(nil, false, nil))
	require.True(t, sameValue(nil, false, []byte{}))
	require.False(t, sameValue(nil, false, []byte("x")))
	require.False(t, sameValue([]byte("x"), true, nil))
	require.True(t, sameValue([]byte("x"), true, []byte("x")))
	require.False(t, sameValue([]byte("x"), true, []byte("y")))
}

func TestDescriptorCopy(t *testing.T) {
	d := Descriptor{
		Name:       DefaultStoreName,
		Namespace:  "shared",
		Provider:   ProviderBolt,
		Properties: map[string]string{"path": "/tmp/kv.db"},
	}
	c := d.Copy("jobs")
	require.Equal(t, "jobs", c.Name)
	require.Equal(t, "jobs", c.EffectiveNamespace())
	require.Equal(t, ProviderBolt, c.Provider)

	c.Properties["path"] = "/elsewhere"
	require.Equal(t, "/tmp/kv.db", d.Properties["path"], "copy must not alias properties")

	require.Equal(t, "fallback", d.Property("missing", "fallback"))
	dur, err := Descriptor{Properties: map[string]string{"ttl": "90s"}}.DurationProperty("ttl", 0)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, dur)
	_, err = Descriptor{Properties: map[string]string{"on": "maybe"}}.BoolProperty("on", false)
	require.Error(t, err)
}
