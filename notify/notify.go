/*
Package notify publishes ledger events to the outside world.

PURPOSE:
  stock.RoundService and stock.Reconciler emit an Event after each committed
  handover, return or drift repair. This package provides the transports:

    Log    - writes the event to the zerolog logger (default)
    Redis  - PUBLISH on a pub/sub channel
    AMQP   - publish to a topic exchange, routing key = event type
    Fanout - delivers to several notifiers concurrently

DELIVERY:
  Best effort, at most once. Callers log a failed Notify and carry on; the
  ledger state is already committed and is the source of truth.

SEE ALSO:
  - stock/notify.go: Event and Notifier
  - cmd/server/serve.go: driver selection from config
*/
package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/warp/fulfillment-ledger/config"
	"github.com/warp/fulfillment-ledger/stock"
	"golang.org/x/sync/errgroup"
)

// New builds the notifier selected by cfg.Driver. The returned close
// function releases any connection and is never nil.
func New(ctx context.Context, cfg config.NotifyConfig, logger zerolog.Logger) (stock.Notifier, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Driver {
	case "", "none":
		return stock.NopNotifier{}, nop, nil
	case "log":
		return Log{Logger: logger}, nop, nil
	case "redis":
		r, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nop, err
		}
		return Fanout{Log{Logger: logger}, r}, r.Close, nil
	case "amqp":
		a, err := NewAMQP(cfg.AMQP)
		if err != nil {
			return nil, nop, err
		}
		return Fanout{Log{Logger: logger}, a}, a.Close, nil
	}
	return nil, nop, errors.Errorf("unknown notify driver %q", cfg.Driver)
}

// Log writes events to a zerolog logger.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, ev stock.Event) error {
	l.Logger.Info().
		Str("event", string(ev.Type)).
		Str("round_id", string(ev.RoundID)).
		Str("product_id", string(ev.ProductID)).
		Str("actor_id", string(ev.ActorID)).
		Time("at", ev.At).
		Fields(ev.Data).
		Msg("ledger event")
	return nil
}

// Fanout delivers each event to every notifier concurrently and returns the
// first failure. One failing transport does not cancel the others.
type Fanout []stock.Notifier

func (f Fanout) Notify(ctx context.Context, ev stock.Event) error {
	var g errgroup.Group
	for _, n := range f {
		n := n
		g.Go(func() error {
			return n.Notify(ctx, ev)
		})
	}
	return g.Wait()
}

func encode(ev stock.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.Type)
	}
	return body, nil
}
