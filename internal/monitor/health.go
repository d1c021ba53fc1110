package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/cronspec"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/registry"
)

// DefaultHealthThreshold is the health percentage below which errored tasks
// are restarted
const DefaultHealthThreshold = 80.0

// HealthConfig configures the health monitor
type HealthConfig struct {
	// Threshold in percent. Zero never restarts; negative means
	// DefaultHealthThreshold.
	Threshold float64
	// Interval between periodic checks; zero means 5m
	Interval time.Duration
}

// DefaultHealthConfig returns the 80% threshold checked every 5m
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Threshold: DefaultHealthThreshold,
		Interval:  5 * time.Minute,
	}
}

// HealthReport is the outcome of one health check
type HealthReport struct {
	HealthPercentage float64   `json:"health_percentage"`
	Threshold        float64   `json:"threshold"`
	EnabledTasks     int       `json:"enabled_tasks"`
	ActiveTasks      int       `json:"active_tasks"`
	Degraded         bool      `json:"degraded"`
	Restarted        []string  `json:"restarted"`
	CheckedAt        time.Time `json:"checked_at"`
}

// HealthAlerter is told when a check finds health below the threshold
type HealthAlerter interface {
	HealthDegraded(ctx context.Context, report HealthReport)
}

// HealthMonitor periodically checks aggregate health and restarts errored
// tasks when it falls below the threshold
type HealthMonitor struct {
	logger     *zap.Logger
	registry   *registry.Registry
	aggregator *Aggregator
	alerter    HealthAlerter
	config     HealthConfig
	now        func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHealthMonitor creates a stopped health monitor. aggregator and alerter
// may be nil.
func NewHealthMonitor(reg *registry.Registry, aggregator *Aggregator, alerter HealthAlerter, config HealthConfig, logger *zap.Logger) *HealthMonitor {
	if config.Threshold < 0 {
		config.Threshold = DefaultHealthThreshold
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	return &HealthMonitor{
		logger:     logger.Named("health"),
		registry:   reg,
		aggregator: aggregator,
		alerter:    alerter,
		config:     config,
		now:        time.Now,
	}
}

// Threshold returns the configured threshold
func (m *HealthMonitor) Threshold() float64 {
	return m.config.Threshold
}

// RunHealthCheck computes the health percentage and, when it is below the
// threshold, restarts every errored task
func (m *HealthMonitor) RunHealthCheck(ctx context.Context) HealthReport {
	tasks := m.registry.ListTasks()
	report := HealthReport{
		HealthPercentage: HealthPercentage(tasks),
		Threshold:        m.config.Threshold,
		Restarted:        []string{},
		CheckedAt:        m.now(),
	}
	for i := range tasks {
		if tasks[i].Enabled {
			report.EnabledTasks++
			if tasks[i].IsActive() {
				report.ActiveTasks++
			}
		}
	}

	if report.HealthPercentage < m.config.Threshold {
		report.Degraded = true
		report.Restarted = m.RestartErrorTasks()

		m.logger.Warn("Automation health below threshold",
			zap.Float64("health_percentage", report.HealthPercentage),
			zap.Float64("threshold", m.config.Threshold),
			zap.Strings("restarted", report.Restarted))

		if m.alerter != nil {
			m.alerter.HealthDegraded(ctx, report)
		}
	} else {
		m.logger.Debug("Health check passed",
			zap.Float64("health_percentage", report.HealthPercentage))
	}

	if m.aggregator != nil {
		m.aggregator.MarkHealthCheck(report.CheckedAt)
	}
	return report
}

// RestartErrorTasks sets every errored task back to active and clears its
// error count. Lifetime failures and breaker state are kept. Tasks whose
// schedule does not parse have no trigger and stay errored. It returns the
// restarted task ids.
func (m *HealthMonitor) RestartErrorTasks() []string {
	restarted := []string{}
	for _, task := range m.registry.ListTasks() {
		if task.Status != model.TaskStatusError {
			continue
		}
		if _, err := cronspec.Parse(task.Schedule); err != nil {
			m.logger.Warn("Not restarting task with invalid schedule",
				zap.String("task_id", task.ID),
				zap.String("schedule", task.Schedule),
				zap.Error(err))
			continue
		}
		_, err := m.registry.Update(task.ID, func(t *model.Task) {
			if t.Status != model.TaskStatusError {
				return
			}
			t.Status = model.TaskStatusActive
			if !t.Enabled {
				t.Status = model.TaskStatusPaused
			}
			t.ErrorCount = 0
		})
		if err != nil {
			continue
		}
		restarted = append(restarted, task.ID)
		m.logger.Info("Restarted errored task",
			zap.String("task_id", task.ID),
			zap.String("name", task.Name),
			zap.Int64("total_failures", task.TotalFailures))
	}
	return restarted
}

// Start runs health checks every interval until Stop or ctx is done.
// Starting a running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, m.stop, m.done)

	m.logger.Info("Health monitor started", zap.Duration("interval", m.config.Interval))
}

// Stop stops the periodic checks
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("Health monitor stopped")
}

func (m *HealthMonitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.RunHealthCheck(ctx)
		}
	}
}
