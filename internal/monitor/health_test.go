package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/registry"
)

type captureAlerter struct {
	mu      sync.Mutex
	reports []HealthReport
}

func (a *captureAlerter) HealthDegraded(ctx context.Context, report HealthReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
}

func failTask(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, err := reg.Update(id, func(task *model.Task) {
		task.Status = model.TaskStatusError
		task.ErrorCount++
		task.TotalFailures++
		task.Breaker.State = model.BreakerOpen
	})
	require.NoError(t, err)
}

func TestHealthMonitor_RunHealthCheck(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterTask(model.Task{ID: "a", Schedule: "@every 1m", Name: "A", Enabled: true})
	reg.RegisterTask(model.Task{ID: "b", Schedule: "@every 1m", Name: "B", Enabled: true})
	reg.RegisterTask(model.Task{ID: "c", Schedule: "@every 1m", Name: "C", Enabled: false})

	aggregator := NewAggregator(reg, nil)
	alerter := &captureAlerter{}
	monitor := NewHealthMonitor(reg, aggregator, alerter, DefaultHealthConfig(), zap.NewNop())
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		report := monitor.RunHealthCheck(ctx)
		assert.Equal(t, 100.0, report.HealthPercentage)
		assert.Equal(t, DefaultHealthThreshold, report.Threshold)
		assert.Equal(t, 2, report.EnabledTasks)
		assert.Equal(t, 2, report.ActiveTasks)
		assert.False(t, report.Degraded)
		assert.Empty(t, report.Restarted)
		assert.Empty(t, alerter.reports)
		assert.NotNil(t, aggregator.Snapshot().LastHealthCheck)
	})

	t.Run("degraded restarts errored tasks", func(t *testing.T) {
		failTask(t, reg, "b")
		failTask(t, reg, "b")

		report := monitor.RunHealthCheck(ctx)
		assert.Equal(t, 50.0, report.HealthPercentage)
		assert.True(t, report.Degraded)
		assert.Equal(t, []string{"b"}, report.Restarted)
		require.Len(t, alerter.reports, 1)

		b, _ := reg.GetTask("b")
		assert.Equal(t, model.TaskStatusActive, b.Status)
		assert.Zero(t, b.ErrorCount)
		// failure history survives the restart
		assert.Equal(t, int64(2), b.TotalFailures)
		assert.Equal(t, model.BreakerOpen, b.Breaker.State)
	})
}

func TestHealthMonitor_ConfigurableThreshold(t *testing.T) {
	reg := registry.New(zap.NewNop())
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.RegisterTask(model.Task{ID: id, Schedule: "@every 1m", Enabled: true})
	}
	failTask(t, reg, "d")

	lenient := NewHealthMonitor(reg, nil, nil, HealthConfig{Threshold: 70}, zap.NewNop())
	report := lenient.RunHealthCheck(context.Background())
	assert.Equal(t, 75.0, report.HealthPercentage)
	assert.False(t, report.Degraded)

	d, _ := reg.GetTask("d")
	assert.Equal(t, model.TaskStatusError, d.Status)

	strict := NewHealthMonitor(reg, nil, nil, HealthConfig{Threshold: 80}, zap.NewNop())
	report = strict.RunHealthCheck(context.Background())
	assert.True(t, report.Degraded)
	assert.Equal(t, []string{"d"}, report.Restarted)

	// zero disables restarts, even with every task errored
	for _, id := range []string{"a", "b", "c", "d"} {
		failTask(t, reg, id)
	}
	off := NewHealthMonitor(reg, nil, nil, HealthConfig{Threshold: 0}, zap.NewNop())
	assert.Equal(t, 0.0, off.Threshold())
	report = off.RunHealthCheck(context.Background())
	assert.Equal(t, 0.0, report.HealthPercentage)
	assert.False(t, report.Degraded)
	assert.Empty(t, report.Restarted)
	for _, task := range reg.ListTasks() {
		assert.Equal(t, model.TaskStatusError, task.Status)
	}

	fallback := NewHealthMonitor(reg, nil, nil, HealthConfig{Threshold: -1}, zap.NewNop())
	assert.Equal(t, DefaultHealthThreshold, fallback.Threshold())
}

func TestHealthMonitor_RestartErrorTasks(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterTask(model.Task{ID: "a", Schedule: "@every 1m", Enabled: true})
	reg.RegisterTask(model.Task{ID: "b", Schedule: "@every 1m", Enabled: true})
	reg.RegisterTask(model.Task{ID: "c", Schedule: "@every 1m", Enabled: true})
	failTask(t, reg, "a")
	failTask(t, reg, "c")

	monitor := NewHealthMonitor(reg, nil, nil, DefaultHealthConfig(), zap.NewNop())
	restarted := monitor.RestartErrorTasks()
	assert.ElementsMatch(t, []string{"a", "c"}, restarted)

	for _, task := range reg.ListTasks() {
		assert.NotEqual(t, model.TaskStatusError, task.Status)
		assert.Zero(t, task.ErrorCount)
	}

	assert.Empty(t, monitor.RestartErrorTasks())
}

func TestHealthMonitor_InvalidScheduleStaysErrored(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterTask(model.Task{ID: "good", Schedule: "@every 1m", Enabled: true})
	reg.RegisterTask(model.Task{ID: "broken", Schedule: "61 * * * *", Enabled: true})
	failTask(t, reg, "good")
	failTask(t, reg, "broken")

	monitor := NewHealthMonitor(reg, nil, nil, DefaultHealthConfig(), zap.NewNop())
	report := monitor.RunHealthCheck(context.Background())
	assert.True(t, report.Degraded)
	assert.Equal(t, []string{"good"}, report.Restarted)

	broken, _ := reg.GetTask("broken")
	assert.Equal(t, model.TaskStatusError, broken.Status)
	assert.Equal(t, 50.0, HealthPercentage(reg.ListTasks()))
}

func TestHealthMonitor_NoEnabledTasks(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterTask(model.Task{ID: "off", Schedule: "@every 1m", Enabled: false})

	monitor := NewHealthMonitor(reg, nil, nil, DefaultHealthConfig(), zap.NewNop())
	report := monitor.RunHealthCheck(context.Background())
	assert.Equal(t, 100.0, report.HealthPercentage)
	assert.False(t, report.Degraded)
}

func TestHealthMonitor_Loop(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.RegisterTask(model.Task{ID: "a", Schedule: "@every 1m", Enabled: true})
	failTask(t, reg, "a")

	aggregator := NewAggregator(reg, nil)
	monitor := NewHealthMonitor(reg, aggregator, nil, HealthConfig{Threshold: DefaultHealthThreshold, Interval: 10 * time.Millisecond}, zap.NewNop())
	monitor.Start(context.Background())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		task, _ := reg.GetTask("a")
		return task.Status == model.TaskStatusActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, aggregator.Snapshot().LastHealthCheck)

	monitor.Stop()
	monitor.Stop()
}
