package transient

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	orphansDeleted   metric.Int64Counter
	expiredSwept     metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	sizeCorrections  metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"ephemeral_gc_runs_total",
		metric.WithDescription("Total number of transient GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"ephemeral_gc_run_duration_seconds",
		metric.WithDescription("Transient GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	orphansDeleted, err := meter.Int64Counter(
		"ephemeral_gc_orphans_deleted_total",
		metric.WithDescription("Total number of unreferenced blob payloads deleted"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	expiredSwept, err := meter.Int64Counter(
		"ephemeral_gc_expired_keys_swept_total",
		metric.WithDescription("Total number of expired metadata keys purged"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"ephemeral_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	sizeCorrections, err := meter.Int64Counter(
		"ephemeral_gc_size_corrections_total",
		metric.WithDescription("Total number of storage size counter corrections"),
		metric.WithUnit("{correction}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"ephemeral_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"ephemeral_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"ephemeral_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		orphansDeleted:   orphansDeleted,
		expiredSwept:     expiredSwept,
		bytesReclaimed:   bytesReclaimed,
		sizeCorrections:  sizeCorrections,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
