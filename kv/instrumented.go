package kv

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/ephemeral/telemetry"
)

// instrumentedStore records operation metrics for a Store.
type instrumentedStore struct {
	Store
	provider string
}

// Instrument wraps s so every operation is recorded under provider.
func Instrument(s Store, provider string) Store {
	return &instrumentedStore{Store: s, provider: provider}
}

// Unwrap returns the provider store.
func (s *instrumentedStore) Unwrap() Store { return s.Store }

func (s *instrumentedStore) record(ctx context.Context, op string, start time.Time, err error) {
	telemetry.RecordKVOp(ctx, s.provider, s.Name(), op, outcomeFromError(err), time.Since(start))
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := s.Store.Get(ctx, key)
	outcome := outcomeFromError(err)
	if err == nil && !ok {
		outcome = "miss"
	}
	telemetry.RecordKVOp(ctx, s.provider, s.Name(), "get", outcome, time.Since(start))
	return v, ok, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.Store.Put(ctx, key, value, ttl)
	s.record(ctx, "put", start, err)
	return err
}

func (s *instrumentedStore) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.Store.SetTTL(ctx, key, ttl)
	s.record(ctx, "set_ttl", start, err)
	return ok, err
}

func (s *instrumentedStore) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	swapped, err := s.Store.CompareAndSet(ctx, key, expected, value, ttl)
	s.record(ctx, "compare_and_set", start, err)
	if err == nil {
		telemetry.RecordCompareAndSet(ctx, s.Name(), swapped)
	}
	return swapped, err
}

func (s *instrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Store.Keys(ctx, prefix)
	s.record(ctx, "keys", start, err)
	return keys, err
}

func (s *instrumentedStore) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.Store.Clear(ctx)
	s.record(ctx, "clear", start, err)
	return err
}

// Sweep delegates to the provider when it supports eager expiry.
func (s *instrumentedStore) Sweep(ctx context.Context) (int, error) {
	sw, ok := s.Store.(Sweeper)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := sw.Sweep(ctx)
	s.record(ctx, "sweep", start, err)
	return n, err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

var (
	_ Store   = (*instrumentedStore)(nil)
	_ Sweeper = (*instrumentedStore)(nil)
)
