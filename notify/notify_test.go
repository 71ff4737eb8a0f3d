package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-ledger/config"
	"github.com/warp/fulfillment-ledger/notify"
	"github.com/warp/fulfillment-ledger/stock"
)

func sampleEvent() stock.Event {
	return stock.Event{
		Type:    stock.EventRoundReturned,
		RoundID: "r-1",
		ActorID: "op-1",
		At:      time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC),
		Data:    map[string]any{"discrepancy": 1},
	}
}

// =============================================================================
// FAKES
// =============================================================================

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error { return nil }

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

type countingNotifier struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, stock.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.err
}

// =============================================================================
// TESTS
// =============================================================================

func TestRedis_PublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	r := notify.NewRedisWithClient(fake, "ledger.events")

	require.NoError(t, r.Notify(context.Background(), sampleEvent()))

	assert.Equal(t, "ledger.events", fake.channel)
	var decoded stock.Event
	require.NoError(t, json.Unmarshal(fake.payload, &decoded))
	assert.Equal(t, stock.EventRoundReturned, decoded.Type)
	assert.Equal(t, stock.RoundID("r-1"), decoded.RoundID)
}

func TestRedis_PublishError(t *testing.T) {
	r := notify.NewRedisWithClient(&fakeRedis{err: errors.New("connection refused")}, "ledger.events")

	err := r.Notify(context.Background(), sampleEvent())

	assert.ErrorContains(t, err, "connection refused")
}

func TestAMQP_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	a := notify.NewAMQPWithChannel(ch, "ledger.events")

	require.NoError(t, a.Notify(context.Background(), sampleEvent()))

	assert.Equal(t, "ledger.events", ch.exchange)
	assert.Equal(t, "round.returned", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Contains(t, string(ch.msg.Body), `"round_id":"r-1"`)
}

func TestAMQP_PublishError(t *testing.T) {
	a := notify.NewAMQPWithChannel(&fakeChannel{err: amqp.ErrClosed}, "ledger.events")

	err := a.Notify(context.Background(), sampleEvent())

	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestLog_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	l := notify.Log{Logger: zerolog.New(&buf)}

	require.NoError(t, l.Notify(context.Background(), sampleEvent()))

	assert.Contains(t, buf.String(), `"event":"round.returned"`)
	assert.Contains(t, buf.String(), `"discrepancy":1`)
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{err: errors.New("down")}

	err := notify.Fanout{a, b}.Notify(context.Background(), sampleEvent())

	assert.Error(t, err)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

func TestNew_SelectsDriver(t *testing.T) {
	ctx := context.Background()

	n, closeFn, err := notify.New(ctx, config.NotifyConfig{Driver: "none"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, stock.NopNotifier{}, n)
	assert.NoError(t, closeFn())

	n, _, err = notify.New(ctx, config.NotifyConfig{Driver: "log"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, notify.Log{}, n)

	_, _, err = notify.New(ctx, config.NotifyConfig{Driver: "fax"}, zerolog.Nop())
	assert.Error(t, err)
}
