package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.RequestTimeout)
	assert.Equal(t, 80.0, cfg.Health.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.Equal(t, 1000, cfg.Storage.LogCap)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.History.Retention)
	assert.True(t, cfg.Scheduler.Autostart)
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.Tasks)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  auth_token: from-file
health:
  threshold: 65
  interval: 30s
breaker:
  cooldown: 1m
tasks:
  - id: nightly
    name: Nightly sync
    schedule: "0 2 * * *"
    endpoint: /api/jobs/sync
    priority: high
  - name: Paused report
    schedule: "@daily"
    endpoint: https://reports.internal/run
    enabled: false
`), 0o644))

	t.Setenv("ORCH_SERVER_AUTH_TOKEN", "from-env")
	t.Setenv("ORCH_STORAGE_LOG_CAP", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, 65.0, cfg.Health.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, 250, cfg.Storage.LogCap)
	assert.Equal(t, "http://127.0.0.1:9090", cfg.SelfURL())

	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "nightly", cfg.Tasks[0].ID)
	assert.Equal(t, model.TaskPriorityHigh, cfg.Tasks[0].Priority)
	assert.True(t, cfg.Tasks[0].IsEnabled())
	assert.False(t, cfg.Tasks[1].IsEnabled())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("health:\n  threshold: 150\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "health.threshold")
}

func TestSelfURL(t *testing.T) {
	tests := []struct {
		addr, base, want string
	}{
		{addr: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{addr: "0.0.0.0:7070", want: "http://127.0.0.1:7070"},
		{addr: ":80", want: "http://127.0.0.1:80"},
		{addr: ":80", base: "https://orch.example.com/", want: "https://orch.example.com"},
	}
	for _, tt := range tests {
		cfg := Config{Server: ServerConfig{Addr: tt.addr, BaseURL: tt.base}}
		assert.Equal(t, tt.want, cfg.SelfURL())
	}
}
