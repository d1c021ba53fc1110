// Package catalog seeds the registry with the built-in automation tasks and
// any tasks declared in configuration.
package catalog

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/functions"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/registry"
)

// FunctionPath is the route prefix the built-in functions are served under
const FunctionPath = "/api/automation/functions/"

// Endpoint returns the relative endpoint of a built-in function
func Endpoint(name string) string {
	return FunctionPath + name
}

// Default returns the built-in task descriptors. Ids are fixed so they stay
// stable across restarts.
func Default() []model.AutomationDescriptor {
	return []model.AutomationDescriptor{
		{
			ID:          "system-heartbeat",
			Name:        "System heartbeat",
			Description: "Confirms the orchestrator can reach its own endpoints",
			Schedule:    "@every 1m",
			Endpoint:    Endpoint(functions.Heartbeat),
			Priority:    model.TaskPriorityHigh,
		},
		{
			ID:          "metrics-digest",
			Name:        "Metrics digest",
			Description: "Logs and publishes an aggregate metrics snapshot",
			Schedule:    "*/15 * * * *",
			Endpoint:    Endpoint(functions.MetricsDigest),
			Priority:    model.TaskPriorityMedium,
		},
		{
			ID:          "host-stats",
			Name:        "Host resource sample",
			Description: "Samples host cpu and memory usage",
			Schedule:    "*/5 * * * *",
			Endpoint:    Endpoint(functions.HostStats),
			Priority:    model.TaskPriorityLow,
		},
		{
			ID:          "history-cleanup",
			Name:        "Execution history cleanup",
			Description: "Deletes execution history older than the retention window",
			Schedule:    "0 3 * * *",
			Endpoint:    Endpoint(functions.HistoryCleanup),
			Priority:    model.TaskPriorityLow,
		},
	}
}

// Load validates and registers descs. Invalid descriptors are skipped and
// reported together in the returned error; valid ones are registered anyway.
func Load(reg *registry.Registry, descs []model.AutomationDescriptor, logger *zap.Logger) (int, error) {
	logger = logger.Named("catalog")

	var invalid []error
	loaded := 0
	for i, desc := range descs {
		task, err := registry.TaskFromDescriptor(desc)
		if err != nil {
			logger.Warn("Skipping invalid automation",
				zap.Int("index", i),
				zap.String("name", desc.Name),
				zap.Error(err))
			invalid = append(invalid, fmt.Errorf("automation %d (%s): %w", i, desc.Name, err))
			continue
		}
		reg.RegisterTask(task)
		loaded++
	}

	logger.Info("Automations loaded", zap.Int("loaded", loaded), zap.Int("skipped", len(invalid)))

	if len(invalid) > 0 {
		return loaded, errors.Join(invalid...)
	}
	return loaded, nil
}
