// Package kv provides namespaced key/value stores with TTL expiration and
// atomic compare-and-set, and a registry resolving store names to
// configured providers.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrInvalidKey is returned for an empty key. It marks a broken call
	// site, not a condition to retry.
	ErrInvalidKey = errors.New("kv: key must not be empty")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store is closed")

	// ErrInvalidName is returned by the registry for an empty store name.
	ErrInvalidName = errors.New("kv: store name must not be empty")

	// ErrNoDefault is returned when no "default" descriptor is configured.
	ErrNoDefault = errors.New("kv: no default store descriptor configured")

	// ErrUnknownProvider is returned when a descriptor names a provider
	// that has no registered factory.
	ErrUnknownProvider = errors.New("kv: unknown provider")

	// ErrRegistryShutdown is returned by lookups after Shutdown.
	ErrRegistryShutdown = errors.New("kv: registry is shut down")
)

const (
	// DefaultStoreName names the descriptor copied for stores that have no
	// explicit configuration.
	DefaultStoreName = "default"

	// DefaultHorizon is the expiration given to entries stored without a
	// TTL, so abandoned entries are eventually reclaimed by the expiry
	// sweeper. It is long enough to be unobservable.
	DefaultHorizon = 10 * 365 * 24 * time.Hour
)

// Store is a namespaced byte map with per-key expiration.
//
// Values cross an ownership boundary on every call: Put and CompareAndSet
// copy their inputs and Get returns a copy, so callers may reuse buffers.
// A nil or empty value deletes the key. A ttl of zero means the entry does
// not expire within DefaultHorizon. Implementations are safe for concurrent
// use.
type Store interface {
	// Name returns the logical store name.
	Name() string

	// Get returns the value of key. A missing or expired key yields
	// (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put sets key to value, replacing the value and expiration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetTTL replaces the expiration of an existing key. It reports false
	// and changes nothing when the key is absent.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CompareAndSet sets key to value only if its current value equals
	// expected byte for byte. An empty expected means the key must be
	// absent. The read, compare and write happen atomically.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// Keys returns a sorted point-in-time snapshot of the live keys that
	// start with prefix. An empty prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every entry in the store's namespace.
	Clear(ctx context.Context) error

	// Close releases provider resources. It is idempotent.
	Close() error
}

// Sweeper is implemented by stores that can purge expired entries eagerly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// AddAndGet atomically adds delta to the decimal counter stored at key and
// returns the new value. An absent key counts as zero. A result of zero
// deletes the key.
func AddAndGet(ctx context.Context, s Store, key string, delta int64) (int64, error) {
	for {
		current, ok, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		var n int64
		if ok {
			n, err = strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("counter %q is not a number: %w", key, err)
			}
		}
		n += delta

		var next []byte
		if n != 0 {
			next = []byte(strconv.FormatInt(n, 10))
		}
		swapped, err := s.CompareAndSet(ctx, key, current, next, 0)
		if err != nil {
			return 0, err
		}
		if swapped {
			return n, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// GetInt reads a decimal counter written by AddAndGet. Absent reads as 0.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %q is not a number: %w", key, err)
	}
	return n, nil
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

func checkTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("kv: negative ttl %s", ttl)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

// sameValue compares a stored value with the expected one. An absent value
// only matches an empty expectation.
func sameValue(current []byte, present bool, expected []byte) bool {
	if !present {
		return len(expected) == 0
	}
	if len(expected) == 0 {
		return false
	}
	return bytes.Equal(current, expected)
}

// expiresAt converts a ttl to an absolute deadline; the zero time means no
// expiration.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
