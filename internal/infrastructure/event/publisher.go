package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Metrics receives event traffic counts.
type Metrics interface {
	RecordEventPublished(ctx context.Context, channel, eventType string)
	RecordEventConsumed(ctx context.Context, channel, eventType string)
	RecordEventDropped(ctx context.Context, channel, reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordEventPublished(context.Context, string, string) {}
func (nopMetrics) RecordEventConsumed(context.Context, string, string)  {}
func (nopMetrics) RecordEventDropped(context.Context, string, string)   {}

// Option configures a Publisher or Consumer.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Publisher announces entity changes.
type Publisher struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// NewPublisher creates a publisher on an existing client.
func NewPublisher(client *redis.Client, opts ...Option) *Publisher {
	o := newOptions(opts)
	return &Publisher{
		client:  client,
		logger:  o.logger.Named("event_publisher"),
		metrics: o.metrics,
		now:     o.now,
	}
}

// Publish sends one event to channel. Having no subscribers is not an error.
func (p *Publisher) Publish(ctx context.Context, channel string, eventType Type, entityID int64, data shared.Document) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	evt := New(channel, eventType, entityID, data, p.now())
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}

	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("channel", channel),
			zap.String("event_type", string(eventType)),
			zap.Int64("entity_id", entityID),
			zap.Error(err))
		return fmt.Errorf("%w: channel %s: %w", ErrPublish, channel, err)
	}

	p.metrics.RecordEventPublished(ctx, channel, string(eventType))
	p.logger.Info("Published event",
		zap.String("channel", channel),
		zap.String("event_type", string(eventType)),
		zap.Int64("entity_id", entityID),
		zap.Int64("receivers", receivers))
	return nil
}
