package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/ephemeral/server"
	"github.com/wolfeidau/ephemeral/telemetry"
	"github.com/wolfeidau/ephemeral/transient"
)

// ServeCmd runs the collector and the admin server until interrupted.
type ServeCmd struct {
	Address string `help:"Override the configured listen address."`
	NoGC    bool   `name:"no-gc" help:"Disable periodic garbage collection."`
}

// Run implements the serve command.
func (c *ServeCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, a.cfg.Metrics.Telemetry(version))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			a.logger.Error("failed to shut down metrics", "error", err)
		}
	}()

	kvRegistry, transientRegistry, closeRegistries, err := a.openRegistries()
	if err != nil {
		return err
	}
	defer closeRegistries()

	// eagerly create configured stores so GC and /stats see them
	if _, err := a.openConfiguredStores(transientRegistry, nil); err != nil {
		return err
	}

	cfg := server.Config{
		Address:   a.cfg.Server.Address,
		AuthToken: a.cfg.Server.AuthToken,
		Transient: transientRegistry,
		KV:        kvRegistry,
		Logger:    a.logger.With("component", "server"),
	}
	if c.Address != "" {
		cfg.Address = c.Address
	}

	var collector *transient.Collector
	if a.cfg.GC.Enabled && !c.NoGC {
		collector = transient.NewCollector(transientRegistry, a.cfg.GC.Collector(),
			transient.WithCollectorLogger(a.logger.With("component", "gc")),
			transient.WithCollectorMetrics(telemetry.Meter()),
		)
		collector.Start(ctx)
		cfg.Collector = collector
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shut down server", "error", err)
	}
	if collector != nil {
		if err := collector.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to stop gc collector", "error", err)
		}
	}
	return runErr
}
