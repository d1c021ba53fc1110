package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/events"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/testutil"
)

type captureChannel struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (c *captureChannel) Send(ctx context.Context, alert *model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestAlertManager_Rules(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)

	rule := &model.AlertRule{
		Name:      "Repeated failures",
		Type:      model.AlertTypeTaskFailure,
		Threshold: 3,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	require.False(t, rule.CreatedAt.IsZero())
	require.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	t.Run("Update", func(t *testing.T) {
		time.Sleep(time.Millisecond)
		rule.Threshold = 5
		rule.Severity = model.AlertSeverityCritical
		require.NoError(t, manager.UpdateRule(rule))

		updated, err := manager.GetRule(rule.ID)
		require.NoError(t, err)
		assert.Equal(t, 5.0, updated.Threshold)
		assert.Equal(t, model.AlertSeverityCritical, updated.Severity)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))
	})

	t.Run("List", func(t *testing.T) {
		for _, r := range DefaultRules() {
			require.NoError(t, manager.AddRule(r))
		}
		assert.Len(t, manager.ListRules(), 4)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, manager.DeleteRule(rule.ID))
		_, err := manager.GetRule(rule.ID)
		assert.ErrorIs(t, err, ErrRuleNotFound)
		assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrRuleNotFound)
		assert.ErrorIs(t, manager.UpdateRule(rule), ErrRuleNotFound)
	})
}

func TestAlertManager_TaskFailed(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	channel := &captureChannel{}
	manager.AddChannel("capture", channel)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:      "Third failure",
		Type:      model.AlertTypeTaskFailure,
		Threshold: 3,
		Severity:  model.AlertSeverityError,
	}))

	ctx := context.Background()
	exec := &model.Execution{ID: "e1", Error: "endpoint returned status 500", StatusCode: 500}

	manager.TaskFailed(ctx, model.Task{ID: "b", Name: "B", ErrorCount: 2}, exec)
	assert.Empty(t, manager.Recent(10))

	manager.TaskFailed(ctx, model.Task{ID: "b", Name: "B", ErrorCount: 3}, exec)
	alerts := manager.Recent(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeTaskFailure, alerts[0].Type)
	assert.Equal(t, "b", alerts[0].Data["task_id"])
	assert.Contains(t, alerts[0].Message, "B")
	assert.Equal(t, 1, channel.count())
}

func TestAlertManager_SilencedRule(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Type:     model.AlertTypeCircuitOpen,
		Severity: model.AlertSeverityCritical,
		Silenced: true,
	}))

	manager.CircuitOpened(context.Background(), model.Task{ID: "x"})
	assert.Empty(t, manager.Recent(0))
}

func TestAlertManager_RecentIsCapped(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "h", Type: model.AlertTypeHealthDegraded, Severity: model.AlertSeverityWarning}))

	for i := 0; i < recentAlertLimit+5; i++ {
		manager.HealthDegraded(context.Background(), HealthReport{HealthPercentage: float64(i), Threshold: 80})
	}

	all := manager.Recent(0)
	require.Len(t, all, recentAlertLimit)
	assert.Equal(t, float64(recentAlertLimit+4), all[0].Data["health_percentage"])
}

func TestAlertManager_PublishesToNATS(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	publisher, err := events.NewNATSPublisher(js, zap.NewNop())
	require.NoError(t, err)

	manager := NewAlertManager(zap.NewNop(), publisher)
	for _, r := range DefaultRules() {
		require.NoError(t, manager.AddRule(r))
	}

	task := model.Task{ID: "b", Name: "B", ErrorCount: 3, Breaker: model.BreakerSnapshot{State: model.BreakerOpen, ConsecutiveFailures: 3, Trips: 1}}
	manager.CircuitOpened(context.Background(), task)

	msgs, err := testutil.ConsumeMessages(js, "automation.alert."+string(model.AlertTypeCircuitOpen), 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].Data, &env))
	var alert model.Alert
	require.NoError(t, json.Unmarshal(env.Payload, &alert))
	assert.Equal(t, "circuit-open", alert.RuleID)
	assert.Equal(t, model.AlertSeverityCritical, alert.Severity)
	assert.Equal(t, "b", alert.Data["task_id"])
}

func TestWebhookChannel(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			received <- body
		}
	}))
	defer srv.Close()

	channel, err := NewWebhookChannel(srv.URL)
	require.NoError(t, err)

	err = channel.Send(context.Background(), &model.Alert{
		ID:       "a1",
		Severity: model.AlertSeverityWarning,
		Message:  "Automation health at 50.0%, below 80.0%",
	})
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "[warning] Automation health at 50.0%, below 80.0%", body["text"])

	_, err = NewWebhookChannel("")
	assert.Error(t, err)
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	channel, err := NewWebhookChannel(srv.URL)
	require.NoError(t, err)
	assert.Error(t, channel.Send(context.Background(), &model.Alert{ID: "a"}))
}
