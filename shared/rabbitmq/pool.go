package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	IdleBackoff        time.Duration
	IdleLogInterval    time.Duration
}

// Channel is a broker channel bound to exactly one queue name. It is shared
// by every client that asked for that queue and closed when the last one
// releases it.
type Channel struct {
	queue  string
	ch     AMQPChannel
	owners map[string]struct{}
}

// Queue returns the queue name the channel is bound to.
func (c *Channel) Queue() string { return c.queue }

// Owners reports how many clients hold the channel.
func (c *Channel) Owners() int { return len(c.owners) }

// Pool owns the process-wide broker connection and the per-queue channel
// registry. Clients borrow channels from it.
type Pool struct {
	config *Config
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	conn     Connection
	channels map[string]*Channel
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// NewPool creates a pool; no connection is opened until the first channel
// is requested.
func NewPool(config *Config, logger *slog.Logger, opts ...PoolOption) *Pool {
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 1
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}

	p := &Pool{
		config:   config,
		dial:     DialAMQP,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect establishes the shared connection if none is open.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *Pool) connectLocked(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	if p.conn != nil {
		// Channels die with their connection.
		p.logger.Warn("RabbitMQ connection lost, reconnecting",
			slog.Int("stale_channels", len(p.channels)),
		)
		p.channels = make(map[string]*Channel)
		p.conn = nil
	}

	amqpConfig := amqp.Config{
		Heartbeat: p.config.Heartbeat,
		Locale:    "en_US",
	}
	if p.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(p.config.ConnectionTimeout)
	}

	var err error
	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		p.logger.Info("Connecting to RabbitMQ",
			slog.String("host", p.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.config.RetryAttempts),
		)

		var conn Connection
		conn, err = p.dial(p.config.DSN(), amqpConfig)
		if err == nil {
			p.conn = conn
			p.logger.Info("Successfully connected to RabbitMQ")
			return nil
		}

		p.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < p.config.RetryAttempts {
			if serr := sleepContext(ctx, p.config.RetryInterval); serr != nil {
				return serr
			}
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", p.config.RetryAttempts, err)
}

// acquire returns the channel bound to queue and registers owner on it.
func (p *Pool) acquire(ctx context.Context, owner, queue string) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(ctx); err != nil {
		return nil, err
	}

	if ch, ok := p.channels[queue]; ok {
		if !ch.ch.IsClosed() {
			ch.owners[owner] = struct{}{}
			return ch, nil
		}
		delete(p.channels, queue)
	}

	raw, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := raw.Qos(p.config.PrefetchCount, 0, false); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := raw.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}

	ch := &Channel{
		queue:  queue,
		ch:     raw,
		owners: map[string]struct{}{owner: {}},
	}
	p.channels[queue] = ch

	p.logger.Debug("Opened channel", slog.String("queue", queue))
	return ch, nil
}

// release drops owner from every channel and closes the ones nobody holds.
func (p *Pool) release(owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for queue, ch := range p.channels {
		if _, ok := ch.owners[owner]; !ok {
			continue
		}
		delete(ch.owners, owner)
		if len(ch.owners) > 0 {
			continue
		}
		delete(p.channels, queue)
		if err := ch.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel %q: %w", queue, err))
		}
		p.logger.Debug("Closed channel", slog.String("queue", queue))
	}
	return errors.Join(errs...)
}

// closeConnection closes the shared connection when no channel is left open,
// or unconditionally when force is set.
func (p *Pool) closeConnection(force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	if len(p.channels) > 0 && !force {
		return nil
	}

	var errs []error
	for queue, ch := range p.channels {
		if err := ch.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel %q: %w", queue, err))
		}
	}
	p.channels = make(map[string]*Channel)

	conn := p.conn
	p.conn = nil
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	p.logger.Info("RabbitMQ connection closed", slog.Bool("forced", force))
	return errors.Join(errs...)
}

// Close force-closes every channel and the connection.
func (p *Pool) Close() error {
	return p.closeConnection(true)
}

// IsConnected returns the connection status
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// OpenChannels returns the number of channels currently registered.
func (p *Pool) OpenChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
