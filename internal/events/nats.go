package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

const (
	StreamName = "AUTOMATION"

	SubjectPrefix    = "automation"
	executionSubject = SubjectPrefix + ".execution."
	alertSubject     = SubjectPrefix + ".alert."
	metricsSubject   = SubjectPrefix + ".metrics"

	streamMaxAge = 24 * time.Hour
)

// ConnectConfig holds NATS connection settings
type ConnectConfig struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	// Attempts is the number of initial connection attempts, default 5
	Attempts int
}

// Connect dials NATS, retrying the initial connection with a linear backoff
func Connect(ctx context.Context, cfg ConnectConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS connection error", fields...)
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 5
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
}

// NATSPublisher publishes events to the AUTOMATION stream
type NATSPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSPublisher ensures the stream exists and returns a publisher
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		logger: logger.Named("events"),
		js:     js,
	}
	if err := p.setup(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) setup() error {
	_, err := p.js.StreamInfo(StreamName)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", StreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    streamMaxAge,
		MaxMsgs:   -1,
		Discard:   nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("name", StreamName))
	return nil
}

// PublishExecution publishes to automation.execution.<task id>
func (p *NATSPublisher) PublishExecution(ctx context.Context, exec *model.Execution) error {
	return p.publish(ctx, executionSubject+Token(exec.TaskID), KindExecution, exec)
}

// PublishAlert publishes to automation.alert.<type>
func (p *NATSPublisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	return p.publish(ctx, alertSubject+Token(string(alert.Type)), KindAlert, alert)
}

// PublishMetrics publishes to automation.metrics
func (p *NATSPublisher) PublishMetrics(ctx context.Context, metrics *model.SystemMetrics) error {
	return p.publish(ctx, metricsSubject, KindMetrics, metrics)
}

func (p *NATSPublisher) publish(ctx context.Context, subject, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	env := Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opts := []nats.PubOpt{nats.MsgId(env.ID)}
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}
	if _, err := p.js.Publish(subject, body, opts...); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("event_id", env.ID))
	return nil
}

// Token makes s safe to use as a single subject token
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
