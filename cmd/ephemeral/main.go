// Command ephemeral serves and administers ephemeral key/value and transient
// stores.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/ephemeral/config"
	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/transient"
)

var version = "dev"

// CLI is the command line grammar.
type CLI struct {
	Config    string           `help:"Path to the YAML config file." type:"path" env:"EPHEMERAL_CONFIG"`
	LogLevel  string           `help:"Override the configured log level (debug, info, warn, error)."`
	LogFormat string           `help:"Override the configured log format (text, json)."`
	Version   kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCmd `cmd:"" help:"Run the GC collector and the admin HTTP server."`
	GC    GCCmd    `cmd:"" name:"gc" help:"Run garbage collection once over the configured transient stores."`
	Stats StatsCmd `cmd:"" help:"Print transient store statistics."`
	KV    KVCmd    `cmd:"" name:"kv" help:"Read and write key/value stores."`
}

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ephemeral"),
		kong.Description("Ephemeral key/value and transient blob storage."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	a, err := newApp(&cli, os.Stdout, os.Stderr)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(a))
}

func newApp(cli *CLI, out, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger, err := newLogger(logOut, cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger, out: out}, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text", "":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// openRegistries builds both registries. The returned close function shuts
// the transient registry down before the kv registry it depends on.
func (a *app) openRegistries() (*kv.Registry, *transient.Registry, func(), error) {
	kvRegistry, err := kv.NewRegistry(a.cfg.KV, kv.WithRegistryLogger(a.logger.With("component", "kv")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating kv registry: %w", err)
	}
	transientRegistry, err := transient.NewRegistry(kvRegistry, a.cfg.TransientDescriptors(),
		transient.WithRegistryLogger(a.logger.With("component", "transient")),
	)
	if err != nil {
		_ = kvRegistry.Shutdown()
		return nil, nil, nil, fmt.Errorf("creating transient registry: %w", err)
	}

	closeFn := func() {
		if err := transientRegistry.Shutdown(); err != nil {
			a.logger.Error("failed to shut down transient registry", "error", err)
		}
		if err := kvRegistry.Shutdown(); err != nil {
			a.logger.Error("failed to shut down kv registry", "error", err)
		}
	}
	return kvRegistry, transientRegistry, closeFn, nil
}

// openConfiguredStores creates the named transient stores, or every store
// named in the config when names is empty.
func (a *app) openConfiguredStores(registry *transient.Registry, names []string) ([]*transient.Store, error) {
	if len(names) == 0 {
		for _, t := range a.cfg.Transient {
			names = append(names, t.Name)
		}
	}
	stores := make([]*transient.Store, 0, len(names))
	for _, name := range names {
		s, err := registry.Store(name)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, nil
}
