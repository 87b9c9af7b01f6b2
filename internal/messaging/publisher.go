package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shopspring/decimal"

	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/pkg/mlog"
)

// Exchanges/queues the publisher fans notifications out to. Declared as
// constants since the core never needs to vary them per deployment.
const (
	QueueKill           = "billingcore.kill"
	QueueCDR            = "billingcore.cdr"
	QueueDeficitWarning = "billingcore.deficit_warning"
	QueueAccountSuspend = "billingcore.account_suspended"
)

// deficitWarningMessage and accountSuspendedMessage are the wire shapes for
// the two EventSink notifications; domain has no dedicated types for them
// since they never round-trip back into the core.
type deficitWarningMessage struct {
	AccountID string          `msgpack:"account_id"`
	Deficit   decimal.Decimal `msgpack:"deficit"`
}

type accountSuspendedMessage struct {
	AccountID string `msgpack:"account_id"`
}

// Publisher implements both coordinator.Notifier and reservation.EventSink
// over a single RabbitMQ connection. Every publish is fire-and-forget: a
// failure is logged and swallowed, matching the "CDR/notification
// fire-and-forget" contract in spec §4.6/§6.2 — the call has already been
// billed by the time these fire.
type Publisher struct {
	conn   *Connection
	logger mlog.Logger
}

func NewPublisher(conn *Connection, logger mlog.Logger) *Publisher {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Publisher{conn: conn, logger: logger}
}

func (p *Publisher) Kill(ctx context.Context, kill domain.Kill) {
	p.publish(ctx, QueueKill, kill)
}

func (p *Publisher) CDR(ctx context.Context, cdr domain.CDR) {
	p.publish(ctx, QueueCDR, cdr)
}

func (p *Publisher) DeficitWarning(ctx context.Context, accountID string, deficit decimal.Decimal) {
	p.publish(ctx, QueueDeficitWarning, deficitWarningMessage{AccountID: accountID, Deficit: deficit})
}

func (p *Publisher) AccountSuspended(ctx context.Context, accountID string) {
	p.publish(ctx, QueueAccountSuspend, accountSuspendedMessage{AccountID: accountID})
}

func (p *Publisher) publish(ctx context.Context, queue string, payload any) {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		p.logger.Errorf("messaging: encode %s: %v", queue, err)
		return
	}

	ch, err := p.conn.Channel(ctx)
	if err != nil {
		p.logger.Errorf("messaging: channel for %s: %v", queue, err)
		return
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/msgpack",
		Body:        body,
	})
	if err != nil {
		p.logger.Errorf("messaging: publish %s: %v", queue, err)
	}
}
