package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type of every message the client publishes.
const ContentTypeJSON = "application/json"

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("rabbitmq client is closed")

// Client borrows channels from a Pool. Each client is an owner in the
// pool's reference counting, so closing it releases only its own share.
type Client struct {
	pool   *Pool
	id     string
	logger *slog.Logger

	idleBackoff     time.Duration
	idleLogInterval time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new RabbitMQ client bound to pool.
func NewClient(pool *Pool, logger *slog.Logger) *Client {
	idle := pool.config.IdleBackoff
	if idle <= 0 {
		idle = 2 * time.Second
	}
	idleLog := pool.config.IdleLogInterval
	if idleLog <= 0 {
		idleLog = time.Minute
	}

	id := uuid.NewString()
	return &Client{
		pool:            pool,
		id:              id,
		logger:          logger.With(slog.String("client_id", id)),
		idleBackoff:     idle,
		idleLogInterval: idleLog,
		sleep:           sleepContext,
		now:             time.Now,
	}
}

// ID returns the owner id this client registers with the pool.
func (c *Client) ID() string { return c.id }

// Connect makes sure the shared connection is open. It is idempotent.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.pool.Connect(ctx)
}

// GetChannel returns the channel bound to queue, opening and declaring the
// queue on first use.
func (c *Client) GetChannel(ctx context.Context, queue string) (*Channel, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	return c.pool.acquire(ctx, c.id, queue)
}

// PublishOption customizes a single publish.
type PublishOption func(*amqp.Publishing)

// WithReplyTo sets the reply-to property.
func WithReplyTo(queue string) PublishOption {
	return func(p *amqp.Publishing) { p.ReplyTo = queue }
}

// WithCorrelationID sets the correlation id property.
func WithCorrelationID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.CorrelationId = id }
}

// WithMessageID sets the message id property.
func WithMessageID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.MessageId = id }
}

// WithHeaders merges headers into the message.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(p *amqp.Publishing) {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
}

// Encode turns a payload into a message body. Raw bytes pass through
// untouched so replies can be forwarded verbatim.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
		return body, nil
	}
}

// Publish sends payload to queue as a persistent JSON message, retrying
// with exponential backoff.
func (c *Client) Publish(ctx context.Context, queue string, payload any, opts ...PublishOption) error {
	body, err := Encode(payload)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  ContentTypeJSON,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    c.now(),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	maxRetries := c.pool.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := c.pool.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	backoffMult := c.pool.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = c.publishOnce(ctx, queue, msg)
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("Published message after retry",
					slog.String("queue", queue),
					slog.Int("attempt", attempt+1),
				)
			} else {
				c.logger.Debug("Message published",
					slog.String("queue", queue),
					slog.Int("body_size", len(body)),
				)
			}
			return nil
		}
		if errors.Is(lastErr, ErrClientClosed) || ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * math.Pow(backoffMult, float64(attempt)))
			c.logger.Warn("Failed to publish message, retrying",
				slog.String("queue", queue),
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", lastErr),
			)
			if err := c.sleep(ctx, backoffDelay); err != nil {
				break
			}
		}
	}

	c.logger.Error("Failed to publish message",
		slog.String("queue", queue),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message to %q: %w", queue, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := c.GetChannel(ctx, queue)
	if err != nil {
		return err
	}
	return ch.ch.PublishWithContext(ctx,
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		msg,
	)
}

// Close releases the channels owned by this client. The shared connection
// is closed when no channel is left in the pool, or when force is set.
// Calling Close more than once is a no-op.
func (c *Client) Close(force bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return errors.Join(
		c.pool.release(c.id),
		c.pool.closeConnection(force),
	)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
