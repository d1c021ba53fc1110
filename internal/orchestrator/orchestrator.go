// Package orchestrator ties the registry, scheduler and monitors together
// behind the operations exposed to operators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/monitor"
	"github.com/t77yq/automation-orchestrator/internal/registry"
	"github.com/t77yq/automation-orchestrator/internal/scheduler"
)

// DefaultLogTail is the number of executions returned with the status
const DefaultLogTail = 50

// LogTail returns the most recent executions, newest first
type LogTail interface {
	Tail(n int) []model.Execution
}

// Status is the aggregate view returned to operators
type Status struct {
	Metrics   model.SystemMetrics `json:"metrics"`
	Functions []model.Task        `json:"functions"`
	Logs      []model.Execution   `json:"logs"`
}

// Deps are the components the orchestrator drives. Collector and Logs may be
// nil.
type Deps struct {
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Aggregator *monitor.Aggregator
	Health     *monitor.HealthMonitor
	Collector  *monitor.MetricsCollector
	Logs       LogTail
}

// Orchestrator starts and stops the automation system as a whole
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a stopped orchestrator
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("orchestrator"),
		deps:   deps,
	}
}

// Start starts the scheduler and the periodic monitors. It reports false
// when the orchestrator was already running.
func (o *Orchestrator) Start(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		return false, nil
	}

	// the loops outlive the request that started them
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := o.deps.Scheduler.Start(runCtx); err != nil {
		cancel()
		return false, fmt.Errorf("start scheduler: %w", err)
	}
	o.deps.Health.Start(runCtx)
	if o.deps.Collector != nil {
		o.deps.Collector.Start(runCtx)
	}
	o.cancel = cancel

	o.logger.Info("Automation orchestrator started",
		zap.Int("tasks", o.deps.Registry.Len()),
		zap.Int("triggers", o.deps.Scheduler.Pending()))
	return true, nil
}

// Stop unbinds every trigger and stops the monitors. In-flight executions are
// left to finish. It reports false when the orchestrator was not running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel == nil {
		return false
	}

	o.deps.Scheduler.Stop()
	o.deps.Health.Stop()
	if o.deps.Collector != nil {
		o.deps.Collector.Stop()
	}
	o.cancel()
	o.cancel = nil

	o.logger.Info("Automation orchestrator stopped")
	return true
}

// Shutdown stops the orchestrator and waits for in-flight executions until
// ctx is done
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop()
	return o.deps.Scheduler.Shutdown(ctx)
}

// Running reports whether the orchestrator is started
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// Status returns the metrics snapshot, every task and the newest logN
// executions
func (o *Orchestrator) Status(logN int) Status {
	if logN <= 0 {
		logN = DefaultLogTail
	}

	status := Status{
		Metrics:   o.deps.Aggregator.Snapshot(),
		Functions: o.deps.Registry.ListTasks(),
		Logs:      []model.Execution{},
	}
	if o.deps.Logs != nil {
		status.Logs = o.deps.Logs.Tail(logN)
	}
	return status
}

// Tasks lists tasks, optionally only those with the given status
func (o *Orchestrator) Tasks(status model.TaskStatus) []model.Task {
	tasks := o.deps.Registry.ListTasks()
	if status == "" {
		return tasks
	}

	filtered := make([]model.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Status == status {
			filtered = append(filtered, task)
		}
	}
	return filtered
}

// Task returns one task
func (o *Orchestrator) Task(id string) (model.Task, error) {
	task, ok := o.deps.Registry.GetTask(id)
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, id)
	}
	return task, nil
}

// AddCustomAutomation registers a new task and arms it when the orchestrator
// is running
func (o *Orchestrator) AddCustomAutomation(desc model.AutomationDescriptor) (model.Task, error) {
	task, err := o.deps.Registry.AddCustomAutomation(desc)
	if err != nil {
		return model.Task{}, err
	}

	if task.Enabled {
		if err := o.deps.Scheduler.Bind(task.ID); err != nil {
			return task, fmt.Errorf("bind %s: %w", task.ID, err)
		}
	}
	return o.Task(task.ID)
}

// SetEnabled enables or disables a task and binds or unbinds its trigger
func (o *Orchestrator) SetEnabled(id string, enabled bool) (model.Task, error) {
	task, err := o.deps.Registry.SetEnabled(id, enabled)
	if err != nil {
		return model.Task{}, err
	}

	if enabled {
		if err := o.deps.Scheduler.Bind(id); err != nil {
			o.logger.Error("Failed to bind enabled task", zap.String("task_id", id), zap.Error(err))
			return task, err
		}
	} else {
		o.deps.Scheduler.Unbind(id)
	}

	o.logger.Info("Task toggled", zap.String("task_id", id), zap.Bool("enabled", enabled))
	return o.Task(id)
}

// RunTask triggers a task immediately in the background
func (o *Orchestrator) RunTask(ctx context.Context, id string) error {
	return o.deps.Scheduler.RunNow(ctx, id)
}

// HealthCheck runs a health check now
func (o *Orchestrator) HealthCheck(ctx context.Context) monitor.HealthReport {
	return o.deps.Health.RunHealthCheck(ctx)
}

// IsNotFound reports whether err means an unknown task
func IsNotFound(err error) bool {
	return errors.Is(err, registry.ErrTaskNotFound)
}
