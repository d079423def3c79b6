// Package rabbitmq connects to one exchange and, optionally, one bound
// queue. Workers consume notifications from the queue; the API and the
// failure channel only publish.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	// QueueName is empty for publish-only clients.
	QueueName       string
	QueueDurable    bool
	QueueAutoDelete bool
	QueueExclusive  bool
	RoutingKey      string
	// DeadLetterExchange receives messages nacked without requeue.
	DeadLetterExchange string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URI renders the AMQP URL for the config.
func (c *Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// Client holds one connection and one channel.
type Client struct {
	config *Config
	logger *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel

	// publishMu serializes publishes; an amqp.Channel is not safe for
	// concurrent publishing.
	publishMu sync.Mutex

	stateMu   sync.Mutex
	connected bool
	closed    chan *amqp.Error
}

// NewClient dials RabbitMQ, retrying per config, and declares the
// exchange and queue.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger.With(slog.String("exchange", config.ExchangeName)),
		closed: make(chan *amqp.Error, 1),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	ch.NotifyClose(c.closed)

	c.stateMu.Lock()
	c.conn, c.channel, c.connected = conn, ch, true
	c.stateMu.Unlock()

	c.logger.Info("RabbitMQ client ready",
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
	)
	return nil
}

// dial connects, retrying up to RetryAttempts times.
func (c *Client) dial() (*amqp.Connection, error) {
	cfg := amqp.Config{Heartbeat: c.config.Heartbeat, Locale: "en_US"}
	if c.config.ConnectionTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := amqp.DialConfig(c.config.URI(), cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		c.logger.Warn("RabbitMQ dial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

// declareTopology declares the exchange and, for consuming clients, the
// queue with its binding.
func (c *Client) declareTopology(ch *amqp.Channel) error {
	cfg := c.config

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.ExchangeDurable, cfg.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", cfg.ExchangeName, err)
	}
	if cfg.QueueName == "" {
		return nil
	}

	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", cfg.QueueName, err)
	}
	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", cfg.QueueName, err)
	}
	return nil
}

func (c *Client) publish(ctx context.Context, body []byte, contentType string) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	return c.channel.PublishWithContext(ctx, c.config.ExchangeName, c.config.RoutingKey, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Publish sends one persistent message.
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if !c.IsConnected() {
		return errNotConnected
	}
	if err := c.publish(ctx, body, contentType); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithRetry publishes, retrying with exponential backoff. Waiting
// stops early when ctx ends.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.IsConnected() {
		return errNotConnected
	}

	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	delay := c.config.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult < 1 {
		mult = 2.0
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = c.publish(ctx, body, contentType); err == nil {
			return nil
		}
		if attempt == retries {
			break
		}

		wait := time.Duration(float64(delay) * math.Pow(mult, float64(attempt)))
		c.logger.Warn("Publish failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("failed to publish message: %w", ctx.Err())
		}
	}

	c.logger.Error("Publish failed after all retries",
		slog.Int("attempts", retries+1),
		slog.Any("error", err),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, err)
}

// Consume starts a manual-ack consumer on the queue.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, errNotConnected
	}
	if c.config.QueueName == "" {
		return nil, fmt.Errorf("client for exchange %q has no queue to consume", c.config.ExchangeName)
	}

	deliveries, err := c.channel.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %q: %w", c.config.QueueName, err)
	}

	c.logger.Info("Consuming notifications",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// HealthCheck fails once the connection or channel has closed.
func (c *Client) HealthCheck(_ context.Context) error {
	select {
	case amqpErr := <-c.closed:
		c.stateMu.Lock()
		c.connected = false
		c.stateMu.Unlock()
		return fmt.Errorf("rabbitmq channel closed: %v", amqpErr)
	default:
	}

	if !c.IsConnected() {
		return errNotConnected
	}
	return nil
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	c.stateMu.Lock()
	c.connected = false
	c.stateMu.Unlock()

	c.logger.Info("Closing RabbitMQ client")

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsConnected reports whether the client can publish or consume.
func (c *Client) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// GetChannel returns the channel, e.g. to set QoS before consuming.
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}
