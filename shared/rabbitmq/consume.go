package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is a message fetched from a queue together with the channel it
// came from.
type Delivery struct {
	amqp.Delivery
	Queue   string
	Channel *Channel
}

// Handler processes one delivery. The consume loop acknowledges the message
// after the handler returns, whatever the outcome.
type Handler func(ctx context.Context, d *Delivery) error

type consumeOptions struct {
	deadLetterQueue string
}

// ConsumeOption configures ConsumeLoop.
type ConsumeOption func(*consumeOptions)

// WithDeadLetter republishes the body of every failed delivery to queue
// before it is acknowledged.
func WithDeadLetter(queue string) ConsumeOption {
	return func(o *consumeOptions) { o.deadLetterQueue = queue }
}

// ConsumeLoop polls queue with basic.get and hands each message to handler,
// one at a time. An empty queue is retried after the idle backoff. The loop
// returns when ctx is cancelled.
func (c *Client) ConsumeLoop(ctx context.Context, queue string, handler Handler, opts ...ConsumeOption) error {
	var options consumeOptions
	for _, opt := range opts {
		opt(&options)
	}

	c.logger.Info("Start consuming", slog.String("queue", queue))

	idleSince := c.now()
	lastBeat := idleSince

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, err := c.GetChannel(ctx, queue)
		if err != nil {
			if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
				return err
			}
			c.logger.Error("Failed to get channel", slog.String("queue", queue), slog.Any("error", err))
			if serr := c.sleep(ctx, c.idleBackoff); serr != nil {
				return serr
			}
			continue
		}

		msg, ok, err := ch.ch.Get(queue, false)
		if err != nil {
			c.logger.Error("Failed to fetch message", slog.String("queue", queue), slog.Any("error", err))
			if serr := c.sleep(ctx, c.idleBackoff); serr != nil {
				return serr
			}
			continue
		}

		if !ok {
			now := c.now()
			if now.Sub(lastBeat) >= c.idleLogInterval {
				c.logger.Debug("No messages",
					slog.String("queue", queue),
					slog.Duration("idle", now.Sub(idleSince).Truncate(time.Second)),
				)
				lastBeat = now
			}
			if serr := c.sleep(ctx, c.idleBackoff); serr != nil {
				return serr
			}
			continue
		}

		c.logger.Debug("Received message",
			slog.String("queue", queue),
			slog.Uint64("delivery_tag", msg.DeliveryTag),
		)
		c.dispatch(ctx, &Delivery{Delivery: msg, Queue: queue, Channel: ch}, handler, options)

		idleSince = c.now()
		lastBeat = idleSince
	}
}

// dispatch runs handler and acknowledges the delivery exactly once.
func (c *Client) dispatch(ctx context.Context, d *Delivery, handler Handler, options consumeOptions) {
	err := runHandler(ctx, d, handler)
	if err != nil {
		c.logger.Error("Failed to handle message",
			slog.String("queue", d.Queue),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
		if options.deadLetterQueue != "" {
			c.deadLetter(ctx, d, err, options.deadLetterQueue)
		}
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ack message",
			slog.String("queue", d.Queue),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", ackErr),
		)
		return
	}
	c.logger.Debug("Acked message",
		slog.String("queue", d.Queue),
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.Bool("failed", err != nil),
	)
}

func runHandler(ctx context.Context, d *Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, d)
}

func (c *Client) deadLetter(ctx context.Context, d *Delivery, cause error, queue string) {
	headers := amqp.Table{
		"x-error":          cause.Error(),
		"x-original-queue": d.Queue,
	}
	opts := []PublishOption{WithHeaders(headers)}
	if d.CorrelationId != "" {
		opts = append(opts, WithCorrelationID(d.CorrelationId))
	}
	if d.ReplyTo != "" {
		opts = append(opts, WithReplyTo(d.ReplyTo))
	}

	if err := c.Publish(ctx, queue, d.Body, opts...); err != nil {
		c.logger.Error("Failed to dead-letter message",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
	}
}
