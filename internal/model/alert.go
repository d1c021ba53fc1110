package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Valid reports whether s is a known severity
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityError, AlertSeverityCritical:
		return true
	}
	return false
}

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeTaskFailure    AlertType = "task_failure"
	AlertTypeCircuitOpen    AlertType = "circuit_open"
	AlertTypeHealthDegraded AlertType = "health_degraded"
)

// Valid reports whether t is a known alert type
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeTaskFailure, AlertTypeCircuitOpen, AlertTypeHealthDegraded:
		return true
	}
	return false
}

// AlertRule defines a rule for generating alerts. For task_failure rules
// Threshold is the error count a task must reach before the rule fires.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
