package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/ephemeral/kv"
)

// errKeyNotFound is returned by kv get for absent keys.
var errKeyNotFound = errors.New("key not found")

// KVCmd groups the key/value commands.
type KVCmd struct {
	Get    KVGetCmd    `cmd:"" help:"Print the value of a key."`
	Put    KVPutCmd    `cmd:"" help:"Set the value of a key."`
	Delete KVDeleteCmd `cmd:"" help:"Delete a key."`
	Keys   KVKeysCmd   `cmd:"" help:"List keys with a prefix."`
}

// StoreFlag selects the store a kv command works on.
type StoreFlag struct {
	Store string `help:"Key/value store name." short:"s" default:"default"`
}

func (f StoreFlag) with(a *app, fn func(ctx context.Context, s kv.Store) error) error {
	registry, err := kv.NewRegistry(a.cfg.KV, kv.WithRegistryLogger(a.logger.With("component", "kv")))
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Shutdown(); err != nil {
			a.logger.Error("failed to shut down kv registry", "error", err)
		}
	}()

	s, err := registry.Store(f.Store)
	if err != nil {
		return err
	}
	return fn(context.Background(), s)
}

// KVGetCmd prints a value.
type KVGetCmd struct {
	StoreFlag `embed:""`
	Key string `arg:"" help:"Key to read."`
}

// Run implements kv get.
func (c *KVGetCmd) Run(a *app) error {
	return c.with(a, func(ctx context.Context, s kv.Store) error {
		v, ok, err := s.Get(ctx, c.Key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", errKeyNotFound, c.Key)
		}
		_, err = fmt.Fprintln(a.out, string(v))
		return err
	})
}

// KVPutCmd writes a value.
type KVPutCmd struct {
	StoreFlag `embed:""`
	Key   string        `arg:"" help:"Key to write."`
	Value string        `arg:"" help:"Value to store. An empty value deletes the key."`
	TTL   time.Duration `help:"Expire the key after this duration (0 keeps it)." default:"0s"`
}

// Run implements kv put.
func (c *KVPutCmd) Run(a *app) error {
	return c.with(a, func(ctx context.Context, s kv.Store) error {
		return s.Put(ctx, c.Key, []byte(c.Value), c.TTL)
	})
}

// KVDeleteCmd deletes a key.
type KVDeleteCmd struct {
	StoreFlag `embed:""`
	Key string `arg:"" help:"Key to delete."`
}

// Run implements kv delete.
func (c *KVDeleteCmd) Run(a *app) error {
	return c.with(a, func(ctx context.Context, s kv.Store) error {
		return s.Put(ctx, c.Key, nil, 0)
	})
}

// KVKeysCmd lists keys.
type KVKeysCmd struct {
	StoreFlag `embed:""`
	Prefix string `arg:"" optional:"" help:"Only list keys with this prefix."`
}

// Run implements kv keys.
func (c *KVKeysCmd) Run(a *app) error {
	return c.with(a, func(ctx context.Context, s kv.Store) error {
		keys, err := s.Keys(ctx, c.Prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := fmt.Fprintln(a.out, k); err != nil {
				return err
			}
		}
		return nil
	})
}
