// Package messaging adapts the coordinator's (C6) fire-and-forget signals —
// Kill, CDR, deficit/suspension notices — onto RabbitMQ, msgpack-encoded
// (spec §4.6, §6.2).
package messaging

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/apolotel/billingcore/pkg/mlog"
)

// Connection is a lazily-connected, reusable RabbitMQ channel, grounded on
// the teacher's connection-hub pattern.
type Connection struct {
	URL       string
	Connected bool
	conn      *amqp.Connection
	channel   *amqp.Channel
	Logger    mlog.Logger
}

func NewConnection(url string, logger mlog.Logger) *Connection {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Connection{URL: url, Logger: logger}
}

func (c *Connection) Connect(_ context.Context) error {
	c.Logger.Info("connecting to rabbitmq")

	conn, err := amqp.Dial(c.URL)
	if err != nil {
		c.Logger.Errorf("rabbitmq dial failed: %v", err)
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		c.Logger.Errorf("rabbitmq channel open failed: %v", err)
		return err
	}

	c.conn = conn
	c.channel = ch
	c.Connected = true

	c.Logger.Info("connected to rabbitmq")

	return nil
}

// Channel returns the live channel, connecting on first use.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if !c.Connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	if c.channel == nil {
		return nil, errors.New("rabbitmq: channel not initialized")
	}

	return c.channel, nil
}

func (c *Connection) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}
