package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// MetricsPublisher announces metric snapshots
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context, metrics *model.SystemMetrics) error
}

// MetricsCollector samples host resources on an interval, stores the sample
// on the aggregator and publishes the resulting snapshot
type MetricsCollector struct {
	logger     *zap.Logger
	aggregator *Aggregator
	publisher  MetricsPublisher
	interval   time.Duration
	sample     func(ctx context.Context) (model.HostStats, error)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMetricsCollector creates a new metrics collector. publisher may be nil.
func NewMetricsCollector(aggregator *Aggregator, publisher MetricsPublisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MetricsCollector{
		logger:     logger.Named("metrics-collector"),
		aggregator: aggregator,
		publisher:  publisher,
		interval:   interval,
		sample:     SampleHost,
	}
}

// SampleHost reads CPU and memory usage of the host
func SampleHost(ctx context.Context) (model.HostStats, error) {
	// zero interval compares against the previous call instead of blocking
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.HostStats{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostStats{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := model.HostStats{
		MemoryUsage: memInfo.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	return stats, nil
}

// Collect takes one sample, stores it and publishes the snapshot
func (c *MetricsCollector) Collect(ctx context.Context) (model.HostStats, error) {
	stats, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample host", zap.Error(err))
		return model.HostStats{}, err
	}
	c.aggregator.SetHostStats(stats)

	snapshot := c.aggregator.Snapshot()
	if c.publisher != nil {
		if err := c.publisher.PublishMetrics(ctx, &snapshot); err != nil {
			c.logger.Warn("Failed to publish metrics", zap.Error(err))
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("goroutines", stats.Goroutines))

	return stats, nil
}

// Start starts the collection loop. Starting a running collector is a no-op.
func (c *MetricsCollector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.collectLoop(ctx, c.stop, c.done)

	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("Stopping metrics collector")
}

func (c *MetricsCollector) collectLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
