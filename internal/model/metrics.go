package model

import "time"

// HostStats represents a resource sample of the orchestrator host
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collected_at"`
}

// SystemMetrics is an aggregate snapshot derived from the task registry
type SystemMetrics struct {
	TotalFunctions     int `json:"total_functions"`
	EnabledFunctions   int `json:"enabled_functions"`
	ActiveAutomations  int `json:"active_automations"`
	PausedAutomations  int `json:"paused_automations"`
	ErroredAutomations int `json:"errored_automations"`
	OpenCircuits       int `json:"open_circuits"`
	InFlight           int `json:"in_flight"`

	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	SuccessRate          float64 `json:"success_rate"`
	HealthPercentage     float64 `json:"health_percentage"`

	Running         bool       `json:"running"`
	StartedAt       time.Time  `json:"started_at"`
	Uptime          string     `json:"uptime"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	Host            *HostStats `json:"host,omitempty"`
}
