// Package telemetry wires OpenTelemetry metrics for the ephemeral stores.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/ephemeral"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	kvOpsTotal   metric.Int64Counter
	kvOpDuration metric.Float64Histogram
	kvCASTotal   metric.Int64Counter

	transientStorageBytes   metric.Int64Gauge
	transientQuotaRejected  metric.Int64Counter
	transientBlobWriteSize  metric.Float64Histogram
	transientEntriesRemoved metric.Int64Counter

	meter         metric.Meter
	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ephemeral"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// no exporters configured: still collect so instruments are live
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"ephemeral_http_requests_total",
		metric.WithDescription("Total number of admin HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.httpRequestDuration, err = meter.Float64Histogram(
		"ephemeral_http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"ephemeral_backend_request_duration_seconds",
		metric.WithDescription("Duration of content backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"ephemeral_backend_requests_total",
		metric.WithDescription("Total number of content backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"ephemeral_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in content backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.kvOpsTotal, err = meter.Int64Counter(
		"ephemeral_kv_operations_total",
		metric.WithDescription("Total number of key/value store operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.kvOpDuration, err = meter.Float64Histogram(
		"ephemeral_kv_operation_duration_seconds",
		metric.WithDescription("Duration of key/value store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.kvCASTotal, err = meter.Int64Counter(
		"ephemeral_kv_compare_and_set_total",
		metric.WithDescription("Compare-and-set attempts by result"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.transientStorageBytes, err = meter.Int64Gauge(
		"ephemeral_transient_storage_bytes",
		metric.WithDescription("Bytes accounted to live transient store entries"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.transientQuotaRejected, err = meter.Int64Counter(
		"ephemeral_transient_quota_rejections_total",
		metric.WithDescription("Blob writes rejected because the store quota would be exceeded"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}

	if m.transientBlobWriteSize, err = meter.Float64Histogram(
		"ephemeral_transient_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to transient stores"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 1024, 8192, 65536, 524288, 1048576, 8388608, 67108864, 536870912),
	); err != nil {
		return nil, err
	}

	if m.transientEntriesRemoved, err = meter.Int64Counter(
		"ephemeral_transient_entries_removed_total",
		metric.WithDescription("Transient entries removed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	var err error
	if globalMetrics.meterProvider != nil {
		err = globalMetrics.meterProvider.Shutdown(ctx)
	}
	globalMetrics = nil
	return err
}

// Meter returns the meter used for package level instruments, or a no-op
// meter when metrics are not initialized.
func Meter() metric.Meter {
	if globalMetrics == nil {
		return noop.NewMeterProvider().Meter(meterName)
	}
	return globalMetrics.meter
}

// RecordHTTP records an admin HTTP request.
func RecordHTTP(ctx context.Context, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.httpRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordKVOp records a key/value store operation.
func RecordKVOp(ctx context.Context, provider, store, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.kvOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.kvOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompareAndSet records the result of one compare-and-set attempt.
func RecordCompareAndSet(ctx context.Context, store string, swapped bool) {
	if globalMetrics == nil {
		return
	}
	result := "conflict"
	if swapped {
		result = "swapped"
	}
	globalMetrics.kvCASTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result),
	))
}

// RecordStorageSize records the current accounted size of a transient store.
func RecordStorageSize(ctx context.Context, store string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.transientStorageBytes.Record(ctx, bytes, metric.WithAttributes(attribute.String("store", store)))
}

// RecordQuotaRejection records a blob write refused by the store quota.
func RecordQuotaRejection(ctx context.Context, store string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.transientQuotaRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

// RecordBlobWrite records a blob written to a transient store.
func RecordBlobWrite(ctx context.Context, store string, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}
	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.transientBlobWriteSize.Record(ctx, float64(size), metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result),
	))
}

// RecordEntryRemoved records the removal of a transient entry.
func RecordEntryRemoved(ctx context.Context, store string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.transientEntriesRemoved.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
