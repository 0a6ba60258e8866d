package transient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StoreSource lists the stores a Collector runs over.
type StoreSource interface {
	Stores() []*Store
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Interval     time.Duration // How often to run (default: 5m)
	StartupDelay time.Duration // Delay before first run (default: 1m)
}

// DefaultCollectorConfig returns the default collector configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Interval:     5 * time.Minute,
		StartupDelay: 1 * time.Minute,
	}
}

// Run is the outcome of one collector pass over every store.
type Run struct {
	ID        string               `json:"id"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Stores    map[string]*GCResult `json:"stores"`
	Errors    []string             `json:"errors,omitempty"`
}

// Collector runs GC periodically over every store of a source.
type Collector struct {
	source  StoreSource
	config  CollectorConfig
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Run
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorLogger sets the logger for the collector.
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithCollectorMetrics sets the metrics for the collector.
func WithCollectorMetrics(meter metric.Meter) CollectorOption {
	return func(c *Collector) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			c.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		c.metrics = metrics
	}
}

// NewCollector creates a collector.
func NewCollector(source StoreSource, config CollectorConfig, opts ...CollectorOption) *Collector {
	def := DefaultCollectorConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	c := &Collector{
		source: source,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start starts the background GC goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop gracefully stops the collector.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	stopCh, doneCh := c.stopCh, c.doneCh
	c.running = false
	c.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs GC over every store immediately.
func (c *Collector) RunNow(ctx context.Context) *Run {
	return c.runGC(ctx)
}

// Status returns the last run, or nil before the first one.
func (c *Collector) Status() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.doneCh)

	c.logger.Info("gc collector starting",
		"interval", c.config.Interval,
		"startup_delay", c.config.StartupDelay,
	)

	select {
	case <-time.After(c.config.StartupDelay):
	case <-c.stopCh:
		c.logger.Info("gc collector stopped during startup delay")
		return
	case <-ctx.Done():
		c.logger.Info("gc collector context cancelled during startup delay")
		c.setRunning(false)
		return
	}

	c.runGC(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runGC(ctx)
		case <-c.stopCh:
			c.logger.Info("gc collector stopped")
			return
		case <-ctx.Done():
			c.logger.Info("gc collector context cancelled")
			c.setRunning(false)
			return
		}
	}
}

func (c *Collector) setRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

func (c *Collector) runGC(ctx context.Context) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Stores:    make(map[string]*GCResult),
	}
	logger := c.logger.With("run_id", run.ID)
	logger.Info("starting gc run")

	for _, s := range c.source.Stores() {
		if ctx.Err() != nil {
			break
		}
		result, err := s.GC(ctx)
		if err != nil {
			run.Errors = append(run.Errors, s.Name()+": "+err.Error())
			logger.Error("gc failed", "store", s.Name(), "error", err)
			continue
		}
		run.Stores[s.Name()] = result
		run.Errors = append(run.Errors, result.Errors...)
	}

	run.Duration = time.Since(run.StartedAt)

	c.mu.Lock()
	c.lastRun = run
	c.mu.Unlock()

	c.recordMetrics(ctx, run)

	var orphans int
	var reclaimed int64
	for _, r := range run.Stores {
		orphans += r.OrphansDeleted
		reclaimed += r.BytesReclaimed
	}
	logger.Info("gc run completed",
		"duration", run.Duration,
		"stores", len(run.Stores),
		"orphans_deleted", orphans,
		"bytes_reclaimed", reclaimed,
		"errors", len(run.Errors),
	)
	return run
}

func (c *Collector) recordMetrics(ctx context.Context, run *Run) {
	if c.metrics == nil {
		return
	}

	c.metrics.runsTotal.Add(ctx, 1)
	c.metrics.runDuration.Record(ctx, run.Duration.Seconds())
	for name, r := range run.Stores {
		attrs := metric.WithAttributes(attribute.String("store", name))
		c.metrics.orphansDeleted.Add(ctx, int64(r.OrphansDeleted), attrs)
		c.metrics.expiredSwept.Add(ctx, int64(r.ExpiredKeysSwept), attrs)
		c.metrics.bytesReclaimed.Add(ctx, r.BytesReclaimed, attrs)
		if r.SizeCorrection != 0 {
			c.metrics.sizeCorrections.Add(ctx, 1, attrs)
		}
	}
	c.metrics.errorsTotal.Add(ctx, int64(len(run.Errors)))
	c.metrics.lastRunTimestamp.Record(ctx, float64(run.StartedAt.Unix()))

	if len(run.Errors) == 0 {
		c.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		c.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
