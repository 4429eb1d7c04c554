package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for a RabbitMQ server.
type fakeBroker struct {
	mu       sync.Mutex
	queues   map[string][]amqp.Publishing
	declared map[string]bool
	dials    int
	conns    []*fakeConn
	tag      uint64
	dialErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:   make(map[string][]amqp.Publishing),
		declared: make(map[string]bool),
	}
}

func (b *fakeBroker) dial(string, amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) push(queue string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msg)
}

func (b *fakeBroker) messages(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.queues[queue]...)
}

type fakeConn struct {
	broker     *fakeBroker
	mu         sync.Mutex
	closed     bool
	closeCalls int
	channels   []*fakeChannel
}

func (c *fakeConn) Channel() (AMQPChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &fakeChannel{broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	closeCalls int
	prefetch   int
	acks       []uint64
	nacks      []uint64
	getErr     error
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.declared[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	if ch.getErr != nil {
		return amqp.Delivery{}, false, ch.getErr
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := pending[0]
	b.queues[queue] = pending[1:]
	b.tag++
	return amqp.Delivery{
		Acknowledger:  ch,
		DeliveryTag:   b.tag,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		RoutingKey:    queue,
		Body:          msg.Body,
	}, true, nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.push(key, msg)
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeCalls++
	ch.closed = true
	return nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acks = append(ch.acks, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nacks = append(ch.nacks, tag)
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *fakeChannel) ackCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.acks)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(b *fakeBroker) *Pool {
	return NewPool(&Config{Host: "localhost", Port: 5672}, testLogger(), WithDialer(b.dial))
}
