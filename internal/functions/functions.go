// Package functions holds the automation functions served by the
// orchestrator itself. Scheduled tasks reach them over HTTP like any other
// endpoint.
package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/executor"
	"github.com/t77yq/automation-orchestrator/internal/model"
)

// ErrUnknownFunction is returned when invoking a name that is not registered
var ErrUnknownFunction = errors.New("unknown automation function")

// Handler runs one automation function. The returned value is encoded as the
// JSON response body.
type Handler func(ctx context.Context, req executor.Request) (interface{}, error)

// Library maps function names to handlers
type Library struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLibrary creates an empty library
func NewLibrary(logger *zap.Logger) *Library {
	return &Library{
		logger:   logger.Named("functions"),
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces a handler
func (l *Library) Register(name string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = handler
}

// Names returns the registered names, sorted
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named handler
func (l *Library) Invoke(ctx context.Context, name string, req executor.Request) (interface{}, error) {
	l.mu.RLock()
	handler, ok := l.handlers[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	start := time.Now()
	result, err := handler(ctx, req)
	if err != nil {
		l.logger.Warn("Automation function failed",
			zap.String("function", name),
			zap.String("task_id", req.TaskID),
			zap.Error(err))
		return nil, err
	}

	l.logger.Debug("Automation function completed",
		zap.String("function", name),
		zap.String("task_id", req.TaskID),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Snapshotter provides aggregate metrics
type Snapshotter interface {
	Snapshot() model.SystemMetrics
}

// MetricsPublisher announces metric snapshots
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context, metrics *model.SystemMetrics) error
}

// HistoryPruner deletes old execution history
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// HostSampler takes a host resource sample
type HostSampler interface {
	Collect(ctx context.Context) (model.HostStats, error)
}

// Deps are the collaborators of the built-in functions. Functions whose
// collaborator is nil are not registered.
type Deps struct {
	Metrics   Snapshotter
	Publisher MetricsPublisher
	History   HistoryPruner
	Retention time.Duration
	Host      HostSampler
}

// Built-in function names
const (
	Heartbeat      = "heartbeat"
	MetricsDigest  = "metrics-digest"
	HistoryCleanup = "history-cleanup"
	HostStats      = "host-stats"
)

// RegisterBuiltins registers the built-in functions available with deps
func RegisterBuiltins(l *Library, deps Deps) {
	l.Register(Heartbeat, func(ctx context.Context, req executor.Request) (interface{}, error) {
		return map[string]interface{}{
			"status":    "ok",
			"task_id":   req.TaskID,
			"timestamp": time.Now().UTC(),
		}, nil
	})

	if deps.Metrics != nil {
		l.Register(MetricsDigest, func(ctx context.Context, req executor.Request) (interface{}, error) {
			snapshot := deps.Metrics.Snapshot()
			l.logger.Info("Automation metrics digest",
				zap.Int("total_functions", snapshot.TotalFunctions),
				zap.Int("active_automations", snapshot.ActiveAutomations),
				zap.Int("errored_automations", snapshot.ErroredAutomations),
				zap.Float64("health_percentage", snapshot.HealthPercentage),
				zap.Float64("success_rate", snapshot.SuccessRate))

			if deps.Publisher != nil {
				if err := deps.Publisher.PublishMetrics(ctx, &snapshot); err != nil {
					return nil, fmt.Errorf("publish metrics: %w", err)
				}
			}
			return snapshot, nil
		})
	}

	if deps.History != nil {
		retention := deps.Retention
		if retention <= 0 {
			retention = 7 * 24 * time.Hour
		}
		l.Register(HistoryCleanup, func(ctx context.Context, req executor.Request) (interface{}, error) {
			before := time.Now().Add(-retention)
			deleted, err := deps.History.DeleteBefore(ctx, before)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"deleted": deleted,
				"before":  before.UTC(),
			}, nil
		})
	}

	if deps.Host != nil {
		l.Register(HostStats, func(ctx context.Context, req executor.Request) (interface{}, error) {
			return deps.Host.Collect(ctx)
		})
	}
}
