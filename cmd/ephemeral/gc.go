package main

import (
	"context"
	"encoding/json"

	"github.com/wolfeidau/ephemeral/transient"
)

// GCCmd runs one collection pass.
type GCCmd struct {
	Store []string `help:"Transient stores to collect (default: every configured store)." short:"s"`
}

// Run implements the gc command.
func (c *GCCmd) Run(a *app) error {
	_, registry, closeRegistries, err := a.openRegistries()
	if err != nil {
		return err
	}
	defer closeRegistries()

	if _, err := a.openConfiguredStores(registry, c.Store); err != nil {
		return err
	}

	collector := transient.NewCollector(registry, a.cfg.GC.Collector(),
		transient.WithCollectorLogger(a.logger.With("component", "gc")),
	)
	run := collector.RunNow(context.Background())
	return writeIndented(a, run)
}

// StatsCmd prints store statistics.
type StatsCmd struct {
	Store []string `help:"Transient stores to report (default: every configured store)." short:"s"`
}

// Run implements the stats command.
func (c *StatsCmd) Run(a *app) error {
	_, registry, closeRegistries, err := a.openRegistries()
	if err != nil {
		return err
	}
	defer closeRegistries()

	stores, err := a.openConfiguredStores(registry, c.Store)
	if err != nil {
		return err
	}

	ctx := context.Background()
	out := make([]transient.Stats, 0, len(stores))
	for _, s := range stores {
		st, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		out = append(out, st)
	}
	return writeIndented(a, out)
}

func writeIndented(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
