package model

import "time"

// ExecutionStatus is the outcome of a single invocation
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Trigger describes what caused an invocation
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Execution is the record of one invocation of a task's endpoint
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	TaskName    string          `json:"task_name"`
	Trigger     Trigger         `json:"trigger"`
	Status      ExecutionStatus `json:"status"`
	StatusCode  int             `json:"status_code,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}
