package notify

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/warp/fulfillment-ledger/config"
	"github.com/warp/fulfillment-ledger/stock"
)

// publisher is the part of *redis.Client the notifier uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes JSON-encoded events on a pub/sub channel.
type Redis struct {
	client  publisher
	channel string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return NewRedisWithClient(client, cfg.Channel), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client publisher, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, ev stock.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return errors.Wrapf(err, "publish %s to redis channel %s", ev.Type, r.channel)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
