package model

import (
	"time"
)

// TaskStatus represents the current status of an automation task
type TaskStatus string

const (
	TaskStatusActive TaskStatus = "active"
	TaskStatusPaused TaskStatus = "paused"
	TaskStatusError  TaskStatus = "error"
)

// TaskPriority represents the priority level of a task
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// Rank orders priorities, higher is more urgent. Unknown priorities rank lowest.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityHigh:
		return 3
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities
func (p TaskPriority) Valid() bool {
	return p.Rank() > 0
}

// BreakerState is the state of a task's circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time copy of a task's circuit breaker
type BreakerSnapshot struct {
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Trips               int           `json:"trips"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown,omitempty"`
}

// Task represents one schedulable unit of automation
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Schedule    string       `json:"schedule"`
	Endpoint    string       `json:"endpoint"`
	Enabled     bool         `json:"enabled"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Custom      bool         `json:"custom"`

	// Timing fields, advisory only
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`

	// Counters. ErrorCount is cleared when the health monitor restarts the
	// task; TotalFailures never is.
	SuccessCount  int64  `json:"success_count"`
	ErrorCount    int64  `json:"error_count"`
	TotalFailures int64  `json:"total_failures"`
	LastError     string `json:"last_error,omitempty"`

	Breaker BreakerSnapshot `json:"breaker"`
}

// IsActive reports whether the task is enabled and currently healthy
func (t *Task) IsActive() bool {
	return t.Enabled && t.Status == TaskStatusActive
}
