package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the pool relies on.
type Connection interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	Close() error
}

// AMQPChannel is the subset of *amqp.Channel used by the queue client.
type AMQPChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(dsn string, config amqp.Config) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error { return c.conn.Close() }

// DialAMQP is the production Dialer.
func DialAMQP(dsn string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(dsn, config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// DSN builds the connection URI; the vhost is path-escaped so "/" survives.
func (c *Config) DSN() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	host := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	return fmt.Sprintf("amqp://%s@%s/%s",
		url.UserPassword(c.User, c.Password).String(),
		host,
		url.PathEscape(vhost),
	)
}
