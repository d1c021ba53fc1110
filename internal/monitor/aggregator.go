// Package monitor derives aggregate metrics from the task registry, runs the
// periodic health check and raises alerts.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/registry"
)

// StateSource reports scheduler state for the snapshot
type StateSource interface {
	Running() bool
	InFlight() int
}

// Aggregator computes SystemMetrics snapshots. Everything except the start
// time, the last health check and the host sample is derived from the
// registry on each call.
type Aggregator struct {
	registry  *registry.Registry
	state     StateSource
	startedAt time.Time
	now       func() time.Time

	mu              sync.RWMutex
	lastHealthCheck *time.Time
	host            *model.HostStats
}

// NewAggregator creates an aggregator. state may be nil.
func NewAggregator(reg *registry.Registry, state StateSource) *Aggregator {
	return &Aggregator{
		registry:  reg,
		state:     state,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Snapshot returns the current aggregate metrics
func (a *Aggregator) Snapshot() model.SystemMetrics {
	tasks := a.registry.ListTasks()
	now := a.now()

	m := model.SystemMetrics{
		TotalFunctions:   len(tasks),
		HealthPercentage: HealthPercentage(tasks),
		StartedAt:        a.startedAt,
		Uptime:           FormatUptime(now.Sub(a.startedAt)),
	}

	for i := range tasks {
		task := &tasks[i]
		if task.Enabled {
			m.EnabledFunctions++
		}
		switch {
		case task.IsActive():
			m.ActiveAutomations++
		case task.Status == model.TaskStatusPaused:
			m.PausedAutomations++
		case task.Status == model.TaskStatusError:
			m.ErroredAutomations++
		}
		if task.Breaker.State == model.BreakerOpen {
			m.OpenCircuits++
		}
		m.SuccessfulExecutions += task.SuccessCount
		m.FailedExecutions += task.TotalFailures
	}

	m.TotalExecutions = m.SuccessfulExecutions + m.FailedExecutions
	if m.TotalExecutions > 0 {
		m.SuccessRate = float64(m.SuccessfulExecutions) / float64(m.TotalExecutions) * 100
	}

	if a.state != nil {
		m.Running = a.state.Running()
		m.InFlight = a.state.InFlight()
	}

	a.mu.RLock()
	if a.lastHealthCheck != nil {
		checked := *a.lastHealthCheck
		m.LastHealthCheck = &checked
	}
	if a.host != nil {
		host := *a.host
		m.Host = &host
	}
	a.mu.RUnlock()

	return m
}

// MarkHealthCheck records when the last health check ran
func (a *Aggregator) MarkHealthCheck(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHealthCheck = &at
}

// SetHostStats stores the latest host sample
func (a *Aggregator) SetHostStats(stats model.HostStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host = &stats
}

// HealthPercentage is the share of enabled tasks that are active, 100 when no
// task is enabled
func HealthPercentage(tasks []model.Task) float64 {
	enabled, active := 0, 0
	for i := range tasks {
		if !tasks[i].Enabled {
			continue
		}
		enabled++
		if tasks[i].IsActive() {
			active++
		}
	}
	if enabled == 0 {
		return 100
	}
	return float64(active) / float64(enabled) * 100
}

// FormatUptime renders d as "1d 2h 3m 4s", dropping leading zero units
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
