// Package config loads ephemeral configuration from a YAML file and
// EPHEMERAL_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/telemetry"
	"github.com/wolfeidau/ephemeral/transient"
)

// EnvPrefix prefixes environment overrides, e.g. EPHEMERAL_SERVER_ADDRESS.
const EnvPrefix = "EPHEMERAL"

// Config is the root configuration.
type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	Server    ServerConfig     `mapstructure:"server"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	GC        GCConfig         `mapstructure:"gc"`
	KV        []kv.Descriptor  `mapstructure:"kv"`
	Transient []TransientStore `mapstructure:"transient"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	AuthToken       string        `mapstructure:"auth_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures metric exporters.
type MetricsConfig struct {
	Prometheus    bool          `mapstructure:"prometheus"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Telemetry converts the section into telemetry settings.
func (m MetricsConfig) Telemetry(version string) telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		ServiceName:      "ephemeral",
		ServiceVersion:   version,
		OTLPEndpoint:     m.OTLPEndpoint,
		EnablePrometheus: m.Prometheus,
		FlushInterval:    m.FlushInterval,
	}
}

// GCConfig configures the periodic transient garbage collector.
type GCConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// Collector converts the section into collector settings.
func (g GCConfig) Collector() transient.CollectorConfig {
	return transient.CollectorConfig{Interval: g.Interval, StartupDelay: g.StartupDelay}
}

// ByteSize is a size in bytes decoded from values such as "512MB" or "1g".
type ByteSize int64

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// TransientStore describes one transient store. ReleaseTTL is a pointer so
// an explicit 0, which keeps released entries until removed, differs from
// leaving the setting out.
type TransientStore struct {
	Name       string        `mapstructure:"name"`
	Directory  string        `mapstructure:"directory"`
	MaxSize    ByteSize      `mapstructure:"max_size"`
	TTL        time.Duration `mapstructure:"ttl"`
	ReleaseTTL *time.Duration `mapstructure:"release_ttl"`
	GCGrace    time.Duration `mapstructure:"gc_grace"`
	KVStore    string        `mapstructure:"kv_store"`
}

// Descriptor converts the store settings into a registry descriptor.
// Zero values are left unset so registry defaults apply.
func (t TransientStore) Descriptor() kv.Descriptor {
	props := map[string]string{}
	if t.Directory != "" {
		props["directory"] = t.Directory
	}
	if t.MaxSize > 0 {
		props["max_size"] = fmt.Sprintf("%d", int64(t.MaxSize))
	}
	if t.TTL > 0 {
		props["ttl"] = t.TTL.String()
	}
	if t.ReleaseTTL != nil {
		props["release_ttl"] = t.ReleaseTTL.String()
	}
	if t.GCGrace > 0 {
		props["gc_grace"] = t.GCGrace.String()
	}
	if t.KVStore != "" {
		props["kv_store"] = t.KVStore
	}
	return kv.Descriptor{
		Name:       t.Name,
		Provider:   transient.ProviderFilesystem,
		Properties: props,
	}
}

// TransientDescriptors returns descriptors for every transient store.
func (c *Config) TransientDescriptors() []kv.Descriptor {
	out := make([]kv.Descriptor, 0, len(c.Transient))
	for _, t := range c.Transient {
		out = append(out, t.Descriptor())
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.flush_interval", "10s")
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", "5m")
	v.SetDefault("gc.startup_delay", "1m")
	v.SetDefault("kv", []map[string]any{{
		"name":     kv.DefaultStoreName,
		"provider": kv.ProviderMemory,
	}})
}

// Load reads configuration from path, or from ephemeral.yaml in the working
// directory when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ephemeral")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			byteSizeHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// byteSizeHook decodes human readable sizes into ByteSize.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := units.RAMInBytes(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", data, err)
		}
		return ByteSize(n), nil
	}
}

// Validate checks the settings that cannot be deferred to store creation.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	hasDefault := false
	for _, d := range c.KV {
		if d.Name == kv.DefaultStoreName {
			hasDefault = true
		}
	}
	if !hasDefault {
		return kv.ErrNoDefault
	}

	for _, t := range c.Transient {
		if t.Name == "" {
			return fmt.Errorf("transient store: %w", kv.ErrInvalidName)
		}
		if t.MaxSize < 0 {
			return fmt.Errorf("transient store %s: negative max_size", t.Name)
		}
		if t.ReleaseTTL != nil && *t.ReleaseTTL < 0 {
			return fmt.Errorf("transient store %s: negative release_ttl", t.Name)
		}
	}
	return nil
}
