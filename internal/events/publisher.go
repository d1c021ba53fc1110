// Package events publishes orchestrator activity to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// Event kinds
const (
	KindExecution = "execution"
	KindAlert     = "alert"
	KindMetrics   = "metrics"
)

// Envelope wraps every published payload
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher announces executions, alerts and metric snapshots
type Publisher interface {
	PublishExecution(ctx context.Context, exec *model.Execution) error
	PublishAlert(ctx context.Context, alert *model.Alert) error
	PublishMetrics(ctx context.Context, metrics *model.SystemMetrics) error
}

// NopPublisher discards everything. It is used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishExecution(context.Context, *model.Execution) error  { return nil }
func (NopPublisher) PublishAlert(context.Context, *model.Alert) error          { return nil }
func (NopPublisher) PublishMetrics(context.Context, *model.SystemMetrics) error { return nil }
