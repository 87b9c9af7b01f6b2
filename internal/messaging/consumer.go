package messaging

import (
	"context"
	"errors"

	validator "gopkg.in/go-playground/validator.v9"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/pkg/mlog"
)

var eventValidator = validator.New()

// EventHandler is the narrow slice of C6 the consumer drives.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Consumer pulls msgpack-encoded domain.Event messages off a queue and
// dispatches them to the coordinator (spec §4.6's "abstract event stream").
type Consumer struct {
	conn    *Connection
	queue   string
	handler EventHandler
	logger  mlog.Logger
}

func NewConsumer(conn *Connection, queue string, handler EventHandler, logger mlog.Logger) *Consumer {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Consumer{conn: conn, queue: queue, handler: handler, logger: logger}
}

// Run blocks, dispatching events until ctx is cancelled or the channel dies.
// A handler error nacks with requeue so the next delivery attempt (possibly
// on another replica) can retry it.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("messaging: delivery channel closed")
			}

			var ev domain.Event

			if err := msgpack.Unmarshal(d.Body, &ev); err != nil {
				c.logger.Errorf("messaging: decode event: %v", err)
				_ = d.Nack(false, false)

				continue
			}

			if err := eventValidator.Struct(ev); err != nil {
				c.logger.Errorf("messaging: reject malformed event call_id=%s: %v", ev.CallID, err)
				_ = d.Nack(false, false)

				continue
			}

			if err := c.handler.HandleEvent(ctx, ev); err != nil {
				c.logger.Errorf("messaging: handle event call_id=%s: %v", ev.CallID, err)
				_ = d.Nack(false, true)

				continue
			}

			_ = d.Ack(false)
		}
	}
}
