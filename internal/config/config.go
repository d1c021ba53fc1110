// Package config loads the orchestrator configuration.
//
// Priority: environment (ORCH_ prefix) > .env file > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. ORCH_SERVER_ADDR
const EnvPrefix = "ORCH"

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// BaseURL is where scheduled tasks reach relative endpoints. Empty means
	// derived from Addr.
	BaseURL       string        `mapstructure:"base_url"`
	AuthToken     string        `mapstructure:"auth_token"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type SchedulerConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Autostart      bool          `mapstructure:"autostart"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

type HealthConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Interval  time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type StorageConfig struct {
	LogPath     string `mapstructure:"log_path"`
	LogCap      int    `mapstructure:"log_cap"`
	HistoryPath string `mapstructure:"history_path"`
}

type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// NATSConfig configures the event bus. An empty URL disables it.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AlertsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Config holds all runtime configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	NATS      NATSConfig      `mapstructure:"nats"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`

	// Tasks are registered in addition to the built-in catalog
	Tasks []model.AutomationDescriptor `mapstructure:"tasks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "automation-orchestrator")
	v.SetDefault("app.version", "dev")

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.shutdown_grace", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("scheduler.request_timeout", 10*time.Second)
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.autostart", true)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.max_cooldown", 10*time.Minute)

	v.SetDefault("health.threshold", 80.0)
	v.SetDefault("health.interval", 5*time.Minute)

	v.SetDefault("metrics.interval", time.Minute)

	v.SetDefault("storage.log_path", "data/system_automation_log.json")
	v.SetDefault("storage.log_cap", 1000)
	v.SetDefault("storage.history_path", "data/execution_history.db")

	v.SetDefault("history.retention", 7*24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("alerts.webhook_url", "")
}

// Load reads configuration from path, or from config/config.yaml when path
// is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Health.Threshold < 0 || c.Health.Threshold > 100 {
		return fmt.Errorf("health.threshold must be between 0 and 100, got %v", c.Health.Threshold)
	}
	if c.Storage.LogCap < 0 {
		return fmt.Errorf("storage.log_cap must not be negative, got %d", c.Storage.LogCap)
	}
	if c.Scheduler.RequestTimeout <= 0 {
		return fmt.Errorf("scheduler.request_timeout must be positive, got %s", c.Scheduler.RequestTimeout)
	}
	return nil
}

// SelfURL returns the base URL for relative task endpoints
func (c *Config) SelfURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}

	addr := c.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	} else if host, port, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "") {
		addr = "127.0.0.1:" + port
	}
	return "http://" + addr
}
