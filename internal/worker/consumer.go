package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
	"github.com/cuongbtq/media-pipeline/shared/clock"
	"github.com/cuongbtq/media-pipeline/shared/rabbitmq"
)

// Submitter accepts notifications, blocking while it is saturated.
type Submitter interface {
	Submit(ctx context.Context, n domain.Notification) error
}

// ConsumerConfig holds RabbitMQ consumer configuration
type ConsumerConfig struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Submitter     Submitter
	Clock         clock.Clock
	ConsumerTag   string
	PrefetchCount int
}

// Consumer feeds RabbitMQ deliveries to a Submitter. Acks are deferred
// until every job of a delivery is settled, so prefetch plus the
// dispatcher's bounded queue cap the unacknowledged work.
type Consumer struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	submitter     Submitter
	clock         clock.Clock
	consumerTag   string
	prefetchCount int
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		submitter:     cfg.Submitter,
		clock:         cfg.Clock,
		consumerTag:   cfg.ConsumerTag,
		prefetchCount: cfg.PrefetchCount,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Run consumes until ctx is canceled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.setupConsumer()
	if err != nil {
		return err
	}
	c.dispatch(ctx, deliveries)
	return nil
}

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (c *Consumer) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := c.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count bounds unacknowledged deliveries per consumer
	if err := channel.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	c.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", c.prefetchCount),
	)

	deliveries, err := c.rabbitClient.Consume(c.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return deliveries, nil
}

// dispatch parses deliveries and submits their notifications.
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	c.logger.Info("Message dispatcher started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			if !c.handleDelivery(ctx, delivery) {
				return
			}
		}
	}
}

// handleDelivery returns false when the submitter stopped accepting work.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) bool {
	notifications, err := ParseNotifications(delivery.Body)
	if err != nil {
		c.logger.Error("Failed to parse notification",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the dead-letter exchange, if any.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return true
	}

	if len(notifications) == 0 {
		c.logger.Debug("Delivery carried no object-created records",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
		)
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK empty message",
				slog.String("error", ackErr.Error()),
			)
		}
		return true
	}

	batch := newBatchAck(deliveryAck{delivery: delivery}, len(notifications))
	now := c.clock.Now()

	for i, n := range notifications {
		n.ReceivedAt = now
		n.Acknowledger = batch

		if err := c.submitter.Submit(ctx, n); err != nil {
			c.logger.Info("Submit refused, returning delivery to queue",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.String("error", err.Error()),
			)
			for range notifications[i:] {
				if nackErr := batch.Nack(true); nackErr != nil {
					c.logger.Error("Failed to NACK refused message",
						slog.Uint64("delivery_tag", delivery.DeliveryTag),
						slog.String("error", nackErr.Error()),
					)
				}
			}
			return false
		}
		metrics.NotificationsReceivedTotal.WithLabelValues("rabbitmq").Inc()
	}
	return true
}

// deliveryAck settles a single AMQP delivery.
type deliveryAck struct {
	delivery amqp.Delivery
}

func (d deliveryAck) Ack() error {
	return d.delivery.Ack(false)
}

func (d deliveryAck) Nack(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

// batchAck settles one delivery after all of its jobs settled. Any
// requeue wins over a reject, which wins over an ack: jobs already done
// are cheap duplicates on redelivery.
type batchAck struct {
	target domain.Acknowledger

	mu        sync.Mutex
	remaining int
	requeue   bool
	reject    bool
}

func newBatchAck(target domain.Acknowledger, parts int) *batchAck {
	return &batchAck{target: target, remaining: parts}
}

func (b *batchAck) Ack() error {
	return b.done(func() {})
}

func (b *batchAck) Nack(requeue bool) error {
	return b.done(func() {
		if requeue {
			b.requeue = true
		} else {
			b.reject = true
		}
	})
}

func (b *batchAck) done(mark func()) error {
	b.mu.Lock()
	if b.remaining <= 0 {
		b.mu.Unlock()
		return nil
	}
	mark()
	b.remaining--
	if b.remaining > 0 {
		b.mu.Unlock()
		return nil
	}
	requeue, reject := b.requeue, b.reject
	b.mu.Unlock()

	switch {
	case requeue:
		return b.target.Nack(true)
	case reject:
		return b.target.Nack(false)
	default:
		return b.target.Ack()
	}
}
