package notify

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/fulfillment-ledger/config"
	"github.com/warp/fulfillment-ledger/stock"
)

// channel is the part of *amqp.Channel the notifier uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a durable topic exchange. The routing key is the
// event type, so consumers can bind to "round.*" or "reconciliation.#".
type AMQP struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(cfg config.AMQPConfig) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", cfg.Exchange)
	}
	return &AMQP{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

// NewAMQPWithChannel wraps an already-open channel.
func NewAMQPWithChannel(ch channel, exchange string) *AMQP {
	return &AMQP{ch: ch, exchange: exchange}
}

func (a *AMQP) Notify(ctx context.Context, ev stock.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		Body:         body,
	})
	return errors.Wrapf(err, "publish %s to exchange %s", ev.Type, a.exchange)
}

func (a *AMQP) Close() error {
	var first error
	if a.ch != nil {
		first = a.ch.Close()
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
