package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ephemeral/kv"
	"github.com/wolfeidau/ephemeral/transient"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ephemeral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Metrics.Prometheus)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval)
	assert.Equal(t, time.Minute, cfg.GC.StartupDelay)
	require.Len(t, cfg.KV, 1)
	assert.Equal(t, kv.DefaultStoreName, cfg.KV[0].Name)
	assert.Equal(t, kv.ProviderMemory, cfg.KV[0].Provider)
	assert.Empty(t, cfg.Transient)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
server:
  address: 127.0.0.1:9090
gc:
  interval: 30s
  startup_delay: 0s
kv:
  - name: default
    provider: bolt
    properties:
      path: /var/lib/ephemeral/kv.db
      no_sync: true
  - name: sessions
    provider: memory
transient:
  - name: uploads
    directory: /var/lib/ephemeral/blobs
    max_size: 512MB
    ttl: 1h
    release_ttl: 10m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, time.Duration(0), cfg.GC.StartupDelay)

	require.Len(t, cfg.KV, 2)
	assert.Equal(t, kv.ProviderBolt, cfg.KV[0].Provider)
	assert.Equal(t, "/var/lib/ephemeral/kv.db", cfg.KV[0].Properties["path"])
	noSync, err := cfg.KV[0].BoolProperty("no_sync", false)
	require.NoError(t, err)
	assert.True(t, noSync)

	require.Len(t, cfg.Transient, 1)
	uploads := cfg.Transient[0]
	assert.Equal(t, ByteSize(512*1024*1024), uploads.MaxSize)
	assert.Equal(t, time.Hour, uploads.TTL)
	require.NotNil(t, uploads.ReleaseTTL)
	assert.Equal(t, 10*time.Minute, *uploads.ReleaseTTL)
	assert.Equal(t, "512MiB", uploads.MaxSize.String())

	descriptors := cfg.TransientDescriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, kv.Descriptor{
		Name:     "uploads",
		Provider: transient.ProviderFilesystem,
		Properties: map[string]string{
			"directory":   "/var/lib/ephemeral/blobs",
			"max_size":    "536870912",
			"ttl":         "1h0m0s",
			"release_ttl": "10m0s",
		},
	}, descriptors[0])
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  address: :8080
`)
	t.Setenv("EPHEMERAL_SERVER_ADDRESS", ":9999")
	t.Setenv("EPHEMERAL_LOG_LEVEL", "warn")
	t.Setenv("EPHEMERAL_GC_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.GC.Enabled)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no default kv store",
			content: "kv:\n  - name: other\n    provider: memory\n",
		},
		{
			name:    "bad log level",
			content: "log:\n  level: loud\n",
		},
		{
			name:    "bad log format",
			content: "log:\n  format: xml\n",
		},
		{
			name:    "bad size",
			content: "transient:\n  - name: uploads\n    max_size: lots\n",
		},
		{
			name:    "unnamed transient store",
			content: "transient:\n  - max_size: 1k\n",
		},
		{
			name:    "bad duration",
			content: "gc:\n  interval: often\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNoDefaultIsReported(t *testing.T) {
	_, err := Load(writeConfig(t, "kv:\n  - name: other\n    provider: memory\n"))
	require.ErrorIs(t, err, kv.ErrNoDefault)
}

func TestSectionConversions(t *testing.T) {
	gc := GCConfig{Interval: time.Minute, StartupDelay: time.Second}
	assert.Equal(t, transient.CollectorConfig{Interval: time.Minute, StartupDelay: time.Second}, gc.Collector())

	m := MetricsConfig{Prometheus: true, OTLPEndpoint: "localhost:4317", FlushInterval: time.Second}
	tc := m.Telemetry("v1.0.0")
	assert.Equal(t, "ephemeral", tc.ServiceName)
	assert.Equal(t, "v1.0.0", tc.ServiceVersion)
	assert.True(t, tc.EnablePrometheus)
	assert.Equal(t, "localhost:4317", tc.OTLPEndpoint)

	empty := TransientStore{Name: "plain"}.Descriptor()
	assert.Equal(t, "plain", empty.Name)
	assert.Empty(t, empty.Properties)
}

func TestReleaseTTLZeroIsPassedThrough(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
transient:
  - name: keep
    release_ttl: 0s
  - name: unset
`))
	require.NoError(t, err)
	require.Len(t, cfg.Transient, 2)

	keep := cfg.Transient[0]
	require.NotNil(t, keep.ReleaseTTL)
	assert.Equal(t, time.Duration(0), *keep.ReleaseTTL)
	assert.Equal(t, "0s", keep.Descriptor().Properties["release_ttl"])

	unset := cfg.Transient[1]
	assert.Nil(t, unset.ReleaseTTL)
	assert.NotContains(t, unset.Descriptor().Properties, "release_ttl")
}
