package jobs

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisNotifier publishes wake signals over a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Wake(ctx context.Context) error {
	return n.client.Publish(ctx, n.channel, "wake").Err()
}

// RedisWaker subscribes to the wake channel and converts messages into
// signals for idle workers. Delivery is best-effort.
type RedisWaker struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
	signal  chan struct{}
}

func NewRedisWaker(client *redis.Client, channel string, log *zap.Logger) *RedisWaker {
	return &RedisWaker{
		client:  client,
		channel: channel,
		log:     log,
		signal:  make(chan struct{}, 1),
	}
}

// Start runs the subscription until ctx is cancelled.
func (w *RedisWaker) Start(ctx context.Context) {
	sub := w.client.Subscribe(ctx, w.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case w.signal <- struct{}{}:
			default:
			}
		}
	}
}

func (w *RedisWaker) Wait(ctx context.Context) <-chan struct{} {
	return w.signal
}
