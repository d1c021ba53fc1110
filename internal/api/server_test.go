package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/catalog"
	"github.com/t77yq/automation-orchestrator/internal/executor"
	"github.com/t77yq/automation-orchestrator/internal/functions"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/monitor"
	"github.com/t77yq/automation-orchestrator/internal/orchestrator"
	"github.com/t77yq/automation-orchestrator/internal/registry"
	"github.com/t77yq/automation-orchestrator/internal/scheduler"
	"github.com/t77yq/automation-orchestrator/internal/storage"
)

const testToken = "secret"

type testEnv struct {
	srv       *httptest.Server
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
	alerts    *monitor.AlertManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	reg := registry.New(logger)
	_, err := catalog.Load(reg, catalog.Default(), logger)
	require.NoError(t, err)

	history, err := storage.NewSQLiteHistory(logger, filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })
	jsonLog, err := storage.OpenJSONLog(logger, filepath.Join(dir, "log.json"), 0)
	require.NoError(t, err)

	// the listener exists before Start, so executions can call back into it
	srv := httptest.NewUnstartedServer(nil)
	t.Cleanup(srv.Close)

	exec := executor.New(executor.Config{
		BaseURL:   "http://" + srv.Listener.Addr().String(),
		AuthToken: testToken,
		Timeout:   2 * time.Second,
	}, logger)
	alerts := monitor.NewAlertManager(logger, nil)
	for _, rule := range monitor.DefaultRules() {
		require.NoError(t, alerts.AddRule(rule))
	}

	sched := scheduler.New(reg, exec, logger, scheduler.DefaultConfig(),
		scheduler.WithSinks(jsonLog, history),
		scheduler.WithObserver(alerts))
	aggregator := monitor.NewAggregator(reg, sched)
	health := monitor.NewHealthMonitor(reg, aggregator, alerts, monitor.DefaultHealthConfig(), logger)
	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Scheduler:  sched,
		Aggregator: aggregator,
		Health:     health,
		Logs:       jsonLog,
	}, logger)

	library := functions.NewLibrary(logger)
	functions.RegisterBuiltins(library, functions.Deps{Metrics: aggregator, History: history})

	server := NewServer(orch, history, library, logger, Options{AuthToken: testToken, Alerts: alerts})
	srv.Config.Handler = server.Handler()
	srv.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &testEnv{srv: srv, registry: reg, scheduler: sched, orch: orch, alerts: alerts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/automation/status")
	require.NoError(t, err)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body.Error.Code)

	resp, err = http.Get(env.srv.URL + "/api/automation/status?token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/automation/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_StartStopStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/automation/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action := decode[actionResponse](t, body)
	assert.True(t, action.Success)
	assert.Equal(t, "Automation system started", action.Message)
	assert.Equal(t, len(catalog.Default()), env.scheduler.Pending())

	_, body = env.do(t, http.MethodPost, "/api/automation/start", nil)
	assert.Equal(t, "Automation system already running", decode[actionResponse](t, body).Message)

	resp, body = env.do(t, http.MethodGet, "/api/automation/status?logs=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[orchestrator.Status](t, body)
	assert.True(t, status.Metrics.Running)
	assert.Equal(t, len(catalog.Default()), status.Metrics.TotalFunctions)
	assert.Equal(t, len(catalog.Default()), status.Metrics.ActiveAutomations)
	assert.Len(t, status.Functions, len(catalog.Default()))
	assert.NotNil(t, status.Logs)

	_, body = env.do(t, http.MethodPost, "/api/automation/stop", nil)
	assert.Equal(t, "Automation system stopped", decode[actionResponse](t, body).Message)
	assert.Zero(t, env.scheduler.Pending())

	_, body = env.do(t, http.MethodPost, "/api/automation/stop", nil)
	assert.Equal(t, "Automation system already stopped", decode[actionResponse](t, body).Message)
}

func TestServer_Tasks(t *testing.T) {
	env := newTestEnv(t)

	t.Run("list and filter", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/automation/tasks", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[[]model.Task](t, body), len(catalog.Default()))

		_, body = env.do(t, http.MethodGet, "/api/automation/tasks?status=error", nil)
		assert.Empty(t, decode[[]model.Task](t, body))

		resp, _ = env.do(t, http.MethodGet, "/api/automation/tasks?status=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/automation/tasks/system-heartbeat", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "System heartbeat", decode[model.Task](t, body).Name)

		resp, body = env.do(t, http.MethodGet, "/api/automation/tasks/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", decode[errorBody](t, body).Error.Code)
	})

	t.Run("create", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/automation/tasks", model.AutomationDescriptor{
			Name:     "Weekly report",
			Schedule: "0 9 * * 1",
			Endpoint: "/api/automation/functions/heartbeat",
			Priority: model.TaskPriorityLow,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		task := decode[model.Task](t, body)
		assert.NotEmpty(t, task.ID)
		assert.True(t, task.Custom)
		assert.Equal(t, model.TaskPriorityLow, task.Priority)

		_, ok := env.registry.GetTask(task.ID)
		assert.True(t, ok)

		resp, body = env.do(t, http.MethodPost, "/api/automation/tasks", model.AutomationDescriptor{
			Name: "Broken", Schedule: "61 * * * *", Endpoint: "/x",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", decode[errorBody](t, body).Error.Code)

		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/automation/tasks", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+testToken)
		raw, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw.Body.Close()
		assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	})

	t.Run("enable disable", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/automation/tasks/host-stats/disable", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		task := decode[model.Task](t, body)
		assert.False(t, task.Enabled)
		assert.Equal(t, model.TaskStatusPaused, task.Status)

		_, body = env.do(t, http.MethodPost, "/api/automation/tasks/host-stats/enable", nil)
		task = decode[model.Task](t, body)
		assert.True(t, task.Enabled)
		assert.Equal(t, model.TaskStatusActive, task.Status)

		resp, _ = env.do(t, http.MethodPost, "/api/automation/tasks/missing/enable", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_RunTaskSelfCall(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/automation/tasks/system-heartbeat/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	env.scheduler.Wait()

	task, ok := env.registry.GetTask("system-heartbeat")
	require.True(t, ok)
	assert.Equal(t, int64(1), task.SuccessCount)
	assert.Zero(t, task.ErrorCount)

	resp, body = env.do(t, http.MethodGet, "/api/automation/executions?task_id=system-heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	executions := decode[executionsResponse](t, body)
	assert.Equal(t, 1, executions.Total)
	require.Len(t, executions.Executions, 1)
	assert.Equal(t, model.ExecutionSuccess, executions.Executions[0].Status)
	assert.Equal(t, model.TriggerManual, executions.Executions[0].Trigger)

	_, body = env.do(t, http.MethodGet, "/api/automation/status", nil)
	status := decode[orchestrator.Status](t, body)
	require.Len(t, status.Logs, 1)
	assert.Equal(t, "system-heartbeat", status.Logs[0].TaskID)

	resp, _ = env.do(t, http.MethodGet, "/api/automation/executions?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/automation/tasks/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Functions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/automation/functions/heartbeat",
		executor.Request{TaskID: "manual", Timestamp: time.Now()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]any](t, body)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "heartbeat", out["function"])

	resp, _ = env.do(t, http.MethodPost, "/api/automation/functions/metrics-digest", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/automation/functions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, body).Error.Code)
}

func TestServer_HealthCheck(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.registry.Update("host-stats", func(task *model.Task) {
		task.Status = model.TaskStatusError
		task.ErrorCount = 4
	})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/api/automation/health-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[monitor.HealthReport](t, body)
	assert.Equal(t, 75.0, report.HealthPercentage)
	assert.True(t, report.Degraded)
	assert.Equal(t, []string{"host-stats"}, report.Restarted)
}

func TestServer_Alerts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.registry.Update("host-stats", func(task *model.Task) {
		task.Status = model.TaskStatusError
	})
	require.NoError(t, err)

	resp, _ := env.do(t, http.MethodPost, "/api/automation/health-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/automation/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := decode[struct {
		Alerts []model.Alert `json:"alerts"`
	}](t, body).Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeHealthDegraded, alerts[0].Type)
	assert.Equal(t, "health-degraded", alerts[0].RuleID)

	t.Run("silence", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/automation/alerts/rules/health-degraded/silence", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[model.AlertRule](t, body).Silenced)

		_, err := env.registry.Update("host-stats", func(task *model.Task) {
			task.Status = model.TaskStatusError
		})
		require.NoError(t, err)
		resp, _ = env.do(t, http.MethodPost, "/api/automation/health-check", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, env.alerts.Recent(0), 1)

		resp, body = env.do(t, http.MethodPost, "/api/automation/alerts/rules/health-degraded/unsilence", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, decode[model.AlertRule](t, body).Silenced)

		resp, _ = env.do(t, http.MethodPost, "/api/automation/alerts/rules/missing/silence", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("rules", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/automation/alerts/rules", model.AlertRule{
			Name:      "Repeated failures",
			Type:      model.AlertTypeTaskFailure,
			Threshold: 3,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		created := decode[model.AlertRule](t, body)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, model.AlertSeverityWarning, created.Severity)

		resp, body = env.do(t, http.MethodGet, "/api/automation/alerts/rules", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rules := decode[struct {
			Rules []model.AlertRule `json:"rules"`
		}](t, body).Rules
		assert.Len(t, rules, len(monitor.DefaultRules())+1)

		resp, _ = env.do(t, http.MethodPost, "/api/automation/alerts/rules", model.AlertRule{ID: "circuit-open", Name: "dup", Type: model.AlertTypeCircuitOpen})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp, _ = env.do(t, http.MethodPost, "/api/automation/alerts/rules", model.AlertRule{Name: "odd", Type: "disk_full"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = env.do(t, http.MethodDelete, "/api/automation/alerts/rules/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = env.do(t, http.MethodDelete, "/api/automation/alerts/rules/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_CronPreview(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/automation/cron/preview", cronPreviewRequest{
		Expr:  "*/15 * * * *",
		Now:   "2024-06-01T12:05:00Z",
		Count: 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decode[cronPreviewResponse](t, body)
	assert.True(t, preview.Valid)
	assert.Equal(t, []string{"2024-06-01T12:15:00Z", "2024-06-01T12:30:00Z", "2024-06-01T12:45:00Z"}, preview.NextTimes)

	resp, body = env.do(t, http.MethodPost, "/api/automation/cron/preview", cronPreviewRequest{Expr: "61 * * * *"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview = decode[cronPreviewResponse](t, body)
	assert.False(t, preview.Valid)
	assert.NotEmpty(t, preview.Message)

	resp, _ = env.do(t, http.MethodPost, "/api/automation/cron/preview", cronPreviewRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
