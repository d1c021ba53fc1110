package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/api"
	"github.com/t77yq/automation-orchestrator/internal/catalog"
	"github.com/t77yq/automation-orchestrator/internal/config"
	"github.com/t77yq/automation-orchestrator/internal/events"
	"github.com/t77yq/automation-orchestrator/internal/executor"
	"github.com/t77yq/automation-orchestrator/internal/functions"
	"github.com/t77yq/automation-orchestrator/internal/logging"
	"github.com/t77yq/automation-orchestrator/internal/mcp"
	"github.com/t77yq/automation-orchestrator/internal/monitor"
	"github.com/t77yq/automation-orchestrator/internal/orchestrator"
	"github.com/t77yq/automation-orchestrator/internal/registry"
	"github.com/t77yq/automation-orchestrator/internal/scheduler"
	"github.com/t77yq/automation-orchestrator/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(logger)
	if _, err := catalog.Load(reg, catalog.Default(), logger); err != nil {
		logger.Fatal("Built-in catalog is invalid", zap.Error(err))
	}
	if _, err := catalog.Load(reg, cfg.Tasks, logger); err != nil {
		logger.Warn("Some configured tasks were skipped", zap.Error(err))
	}

	jsonLog, err := storage.OpenJSONLog(logger, cfg.Storage.LogPath, cfg.Storage.LogCap)
	if err != nil {
		logger.Fatal("Failed to open execution log", zap.Error(err))
	}

	history, err := storage.NewSQLiteHistory(logger, cfg.Storage.HistoryPath)
	if err != nil {
		logger.Fatal("Failed to create execution history storage", zap.Error(err))
	}
	defer history.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(ctx, events.ConnectConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.App.Name,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		natsPublisher, err := events.NewNATSPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		publisher = natsPublisher
	}

	alerts := monitor.NewAlertManager(logger, publisher)
	for _, rule := range monitor.DefaultRules() {
		if err := alerts.AddRule(rule); err != nil {
			logger.Fatal("Failed to add alert rule", zap.String("rule_id", rule.ID), zap.Error(err))
		}
	}
	if cfg.Alerts.WebhookURL != "" {
		webhook, err := monitor.NewWebhookChannel(cfg.Alerts.WebhookURL)
		if err != nil {
			logger.Fatal("Invalid alert webhook", zap.Error(err))
		}
		alerts.AddChannel("webhook", webhook)
	}

	httpExecutor := executor.New(executor.Config{
		BaseURL:   cfg.SelfURL(),
		Timeout:   cfg.Scheduler.RequestTimeout,
		AuthToken: cfg.Server.AuthToken,
	}, logger)

	sched := scheduler.New(reg, httpExecutor, logger, scheduler.Config{
		PollInterval:     cfg.Scheduler.PollInterval,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	},
		scheduler.WithSinks(jsonLog, history),
		scheduler.WithPublisher(publisher),
		scheduler.WithObserver(alerts),
	)

	aggregator := monitor.NewAggregator(reg, sched)
	health := monitor.NewHealthMonitor(reg, aggregator, alerts, monitor.HealthConfig{
		Threshold: cfg.Health.Threshold,
		Interval:  cfg.Health.Interval,
	}, logger)
	collector := monitor.NewMetricsCollector(aggregator, publisher, cfg.Metrics.Interval, logger)

	library := functions.NewLibrary(logger)
	functions.RegisterBuiltins(library, functions.Deps{
		Metrics:   aggregator,
		Publisher: publisher,
		History:   history,
		Retention: cfg.History.Retention,
		Host:      collector,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Scheduler:  sched,
		Aggregator: aggregator,
		Health:     health,
		Collector:  collector,
		Logs:       jsonLog,
	}, logger)

	options := api.Options{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		Alerts:    alerts,
	}
	if cfg.MCP.Enabled {
		options.MCP = mcp.NewServer(orch, cfg.App.Name, cfg.App.Version, logger).Handler()
	}
	server := api.NewServer(orch, history, library, logger, options)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	if cfg.Scheduler.Autostart {
		if _, err := orch.Start(ctx); err != nil {
			logger.Fatal("Failed to start automation", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	// in-flight executions may still call back into the HTTP server
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached, some executions may not have completed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	logger.Info("Server shut down gracefully")
}
