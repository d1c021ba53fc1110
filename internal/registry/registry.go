// Package registry holds the in-memory set of automation tasks. A Registry is
// owned by the caller and handed to the scheduler and monitors, so tests can
// run against isolated instances.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/cronspec"
	"github.com/t77yq/automation-orchestrator/internal/model"
)

var (
	// ErrTaskNotFound is returned when a task id is not registered
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask is returned when a descriptor fails validation
	ErrInvalidTask = errors.New("invalid task")
)

// Registry stores tasks keyed by id. All mutation goes through the registry
// lock, so counter updates from concurrent executions never interleave.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	tasks map[string]*model.Task
	order []string
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		now:    time.Now,
		tasks:  make(map[string]*model.Task),
	}
}

// RegisterTask stores task and returns its id. An empty id is replaced with a
// generated one. Registering an existing id overwrites the previous task.
func (r *Registry) RegisterTask(task model.Task) string {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = model.TaskPriorityMedium
	}
	if task.Status == "" {
		task.Status = model.TaskStatusActive
		if !task.Enabled {
			task.Status = model.TaskStatusPaused
		}
	}
	if task.Breaker.State == "" {
		task.Breaker.State = model.BreakerClosed
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		r.logger.Warn("Overwriting registered task", zap.String("task_id", task.ID))
	} else {
		r.order = append(r.order, task.ID)
	}
	r.tasks[task.ID] = &task

	r.logger.Debug("Task registered",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("schedule", task.Schedule))

	return task.ID
}

// AddCustomAutomation validates desc and registers it under a fresh id
func (r *Registry) AddCustomAutomation(desc model.AutomationDescriptor) (model.Task, error) {
	task, err := TaskFromDescriptor(desc)
	if err != nil {
		return model.Task{}, err
	}
	task.ID = uuid.New().String()
	task.Custom = true

	id := r.RegisterTask(task)
	registered, _ := r.GetTask(id)

	r.logger.Info("Custom automation added",
		zap.String("task_id", id),
		zap.String("name", registered.Name),
		zap.String("endpoint", registered.Endpoint))

	return registered, nil
}

// TaskFromDescriptor validates desc and converts it to an unregistered task
func TaskFromDescriptor(desc model.AutomationDescriptor) (model.Task, error) {
	name := strings.TrimSpace(desc.Name)
	endpoint := strings.TrimSpace(desc.Endpoint)
	schedule := strings.TrimSpace(desc.Schedule)

	if name == "" {
		return model.Task{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if endpoint == "" {
		return model.Task{}, fmt.Errorf("%w: endpoint is required", ErrInvalidTask)
	}
	if _, err := cronspec.Parse(schedule); err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	priority := desc.Priority
	if priority == "" {
		priority = model.TaskPriorityMedium
	}
	if !priority.Valid() {
		return model.Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, priority)
	}

	return model.Task{
		ID:          strings.TrimSpace(desc.ID),
		Name:        name,
		Description: desc.Description,
		Schedule:    schedule,
		Endpoint:    endpoint,
		Enabled:     desc.IsEnabled(),
		Priority:    priority,
	}, nil
}

// GetTask returns a copy of the task with the given id
func (r *Registry) GetTask(id string) (model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *task, true
}

// ListTasks returns copies of all tasks in registration order
func (r *Registry) ListTasks() []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.order))
	for _, id := range r.order {
		tasks = append(tasks, *r.tasks[id])
	}
	return tasks
}

// Update applies fn to the stored task under the write lock and returns the
// resulting copy
func (r *Registry) Update(id string, fn func(task *model.Task)) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	fn(task)
	return *task, nil
}

// SetEnabled enables or disables a task. Disabled tasks report paused;
// enabling a paused task makes it active again.
func (r *Registry) SetEnabled(id string, enabled bool) (model.Task, error) {
	return r.Update(id, func(task *model.Task) {
		task.Enabled = enabled
		if !enabled {
			task.Status = model.TaskStatusPaused
			task.NextRun = nil
			return
		}
		if task.Status == model.TaskStatusPaused {
			task.Status = model.TaskStatusActive
		}
	})
}

// Remove deletes a task, reporting whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered tasks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
