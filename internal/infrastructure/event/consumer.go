package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/erp/inventory-services/internal/infrastructure/supervisor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 5 * time.Second

// HandlerFunc reacts to one event. Returned errors are logged; they never
// stop the consumer.
type HandlerFunc func(ctx context.Context, channel string, entityID int64, data shared.Document) error

// Handlers maps each event type to its handler. Nil handlers ignore the type.
type Handlers struct {
	Created HandlerFunc
	Updated HandlerFunc
	Deleted HandlerFunc
}

func (h Handlers) forType(t Type) (HandlerFunc, bool) {
	switch t {
	case Created:
		return h.Created, true
	case Updated:
		return h.Updated, true
	case Deleted:
		return h.Deleted, true
	default:
		return nil, false
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Name              string
	Channels          []string
	Handlers          Handlers
	HeartbeatInterval time.Duration
}

// Consumer receives events from a set of channels and dispatches them by
// type. It is a supervisor.Worker and may be run again after it returns.
type Consumer struct {
	client  *redis.Client
	config  ConsumerConfig
	logger  *zap.Logger
	metrics Metrics
}

// NewConsumer validates cfg and creates a consumer.
func NewConsumer(client *redis.Client, cfg ConsumerConfig, opts ...Option) (*Consumer, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("event consumer requires at least one channel")
	}
	if cfg.Name == "" {
		cfg.Name = "event_consumer"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	o := newOptions(opts)
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  o.logger.Named(cfg.Name),
		metrics: o.metrics,
	}, nil
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.config.Name
}

// Channels returns the subscribed channels.
func (c *Consumer) Channels() []string {
	return append([]string(nil), c.config.Channels...)
}

// Run subscribes and dispatches events until ctx is cancelled, returning
// nil in that case. It returns an error when the subscription cannot be
// established or ends on its own.
func (c *Consumer) Run(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, c.config.Channels...)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.logger.Debug("Failed to close subscription", zap.Error(err))
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %v: %w", c.config.Channels, err)
	}

	c.logger.Info("Subscribed to event channels", zap.Strings("channels", c.config.Channels))
	supervisor.Beat(ctx)

	messages := pubsub.Channel()
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Event consumer stopping")
			return nil
		case msg, ok := <-messages:
			if !ok {
				c.logger.Warn("Subscription channel closed")
				return ErrSubscriptionClosed
			}
			c.handleMessage(ctx, msg.Channel, []byte(msg.Payload))
			supervisor.Beat(ctx)
		case <-ticker.C:
			supervisor.Beat(ctx)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, channel string, payload []byte) {
	evt, err := Decode(channel, payload)
	if err != nil {
		c.logger.Warn("Dropping malformed event",
			zap.String("channel", channel),
			zap.Error(err))
		c.metrics.RecordEventDropped(ctx, channel, "malformed")
		return
	}

	handler, known := c.config.Handlers.forType(evt.EventType)
	if !known {
		c.logger.Warn("Dropping event of unknown type",
			zap.String("channel", channel),
			zap.String("event_type", string(evt.EventType)))
		c.metrics.RecordEventDropped(ctx, channel, "unknown_type")
		return
	}
	if handler == nil {
		c.logger.Debug("No handler for event type",
			zap.String("channel", channel),
			zap.String("event_type", string(evt.EventType)))
		return
	}

	c.dispatch(ctx, handler, evt)
}

func (c *Consumer) dispatch(ctx context.Context, handler HandlerFunc, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.For(ctx, c.logger).Error("Event handler panicked",
				zap.String("channel", evt.Channel),
				zap.String("event_type", string(evt.EventType)),
				zap.Int64("entity_id", evt.EntityID),
				zap.Any("panic", r))
			c.metrics.RecordEventDropped(ctx, evt.Channel, "handler_panic")
		}
	}()

	if err := handler(ctx, evt.Channel, evt.EntityID, evt.Data); err != nil {
		logger.For(ctx, c.logger).Error("Event handler failed",
			zap.String("channel", evt.Channel),
			zap.String("event_type", string(evt.EventType)),
			zap.Int64("entity_id", evt.EntityID),
			zap.Error(err))
		c.metrics.RecordEventDropped(ctx, evt.Channel, "handler_error")
		return
	}

	c.metrics.RecordEventConsumed(ctx, evt.Channel, string(evt.EventType))
	c.logger.Debug("Handled event",
		zap.String("channel", evt.Channel),
		zap.String("event_type", string(evt.EventType)),
		zap.Int64("entity_id", evt.EntityID))
}

var _ supervisor.Worker = (*Consumer)(nil)
