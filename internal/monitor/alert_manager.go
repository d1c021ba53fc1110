package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// ErrRuleNotFound is returned for unknown alert rule ids
var ErrRuleNotFound = errors.New("alert rule not found")

const recentAlertLimit = 100

// AlertPublisher announces raised alerts
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// AlertManager evaluates alert rules against task failures, breaker trips
// and health checks
type AlertManager struct {
	logger    *zap.Logger
	publisher AlertPublisher
	rules     sync.Map

	mu       sync.RWMutex
	channels map[string]NotificationChannel
	recent   []model.Alert
}

// NewAlertManager creates an alert manager. publisher may be nil.
func NewAlertManager(logger *zap.Logger, publisher AlertPublisher) *AlertManager {
	return &AlertManager{
		logger:    logger.Named("alerts"),
		publisher: publisher,
		channels:  make(map[string]NotificationChannel),
	}
}

// DefaultRules returns one rule per alert type
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{ID: "task-failure", Name: "Task failure", Type: model.AlertTypeTaskFailure, Threshold: 1, Severity: model.AlertSeverityError},
		{ID: "circuit-open", Name: "Circuit opened", Type: model.AlertTypeCircuitOpen, Severity: model.AlertSeverityCritical},
		{ID: "health-degraded", Name: "Health degraded", Type: model.AlertTypeHealthDegraded, Severity: model.AlertSeverityWarning},
	}
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule := *value.(*model.AlertRule)
	return &rule, nil
}

// ListRules returns all rules ordered by creation time
func (m *AlertManager) ListRules() []model.AlertRule {
	var rules []model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rules = append(rules, *value.(*model.AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	existing, ok := m.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = time.Now()

	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// Recent returns up to n of the latest alerts, newest first
func (m *AlertManager) Recent(n int) []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]model.Alert, 0, n)
	for i := len(m.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// TaskFailed fires task_failure rules whose threshold the task's error count
// has reached
func (m *AlertManager) TaskFailed(ctx context.Context, task model.Task, exec *model.Execution) {
	m.forRules(model.AlertTypeTaskFailure, func(rule *model.AlertRule) {
		if float64(task.ErrorCount) < rule.Threshold {
			return
		}
		m.createAlert(ctx, rule,
			fmt.Sprintf("Task %q failed: %s", task.Name, exec.Error),
			map[string]interface{}{
				"task_id":      task.ID,
				"execution_id": exec.ID,
				"error_count":  task.ErrorCount,
				"status_code":  exec.StatusCode,
				"error":        exec.Error,
			})
	})
}

// CircuitOpened fires circuit_open rules
func (m *AlertManager) CircuitOpened(ctx context.Context, task model.Task) {
	m.forRules(model.AlertTypeCircuitOpen, func(rule *model.AlertRule) {
		m.createAlert(ctx, rule,
			fmt.Sprintf("Circuit opened for task %q after %d consecutive failures", task.Name, task.Breaker.ConsecutiveFailures),
			map[string]interface{}{
				"task_id":  task.ID,
				"trips":    task.Breaker.Trips,
				"cooldown": task.Breaker.Cooldown.String(),
			})
	})
}

// HealthDegraded fires health_degraded rules
func (m *AlertManager) HealthDegraded(ctx context.Context, report HealthReport) {
	m.forRules(model.AlertTypeHealthDegraded, func(rule *model.AlertRule) {
		m.createAlert(ctx, rule,
			fmt.Sprintf("Automation health at %.1f%%, below %.1f%%", report.HealthPercentage, report.Threshold),
			map[string]interface{}{
				"health_percentage": report.HealthPercentage,
				"threshold":         report.Threshold,
				"restarted":         report.Restarted,
			})
	})
}

func (m *AlertManager) forRules(alertType model.AlertType, fn func(rule *model.AlertRule)) {
	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == alertType && !rule.Silenced {
			fn(rule)
		}
		return true
	})
}

// createAlert records, publishes and dispatches a new alert
func (m *AlertManager) createAlert(ctx context.Context, rule *model.AlertRule, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, *alert)
	if over := len(m.recent) - recentAlertLimit; over > 0 {
		m.recent = append([]model.Alert(nil), m.recent[over:]...)
	}
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	if m.publisher != nil {
		if err := m.publisher.PublishAlert(ctx, alert); err != nil {
			m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}

	for name, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.String("id", alert.ID),
				zap.Error(err))
		}
	}
}

// WebhookChannel posts alerts as JSON to a URL, Slack-style: the payload
// carries a "text" summary next to the alert itself
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel
func NewWebhookChannel(url string) (*WebhookChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookChannel{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send implements NotificationChannel
func (w *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(struct {
		Text  string       `json:"text"`
		Alert *model.Alert `json:"alert"`
	}{
		Text:  fmt.Sprintf("[%s] %s", alert.Severity, alert.Message),
		Alert: alert,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
