package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeChannel is the Redis channel the API uses to nudge dispatchers after a
// commit.
const WakeChannel = "posting:outbox:wake"

// RedisNotifier publishes a wake signal after each committed posting. Lost
// signals only delay dispatch until the next poll.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisNotifier constructs a notifier on WakeChannel.
func NewRedisNotifier(client redis.Cmdable, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, channel: WakeChannel, timeout: time.Second, logger: logger}
}

// Notify publishes the wake signal in the background and returns at once.
func (n *RedisNotifier) Notify() {
	if n == nil || n.client == nil {
		return
	}
	go n.publish()
}

func (n *RedisNotifier) publish() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, "1").Err(); err != nil {
		n.logger.Debug("outbox wake publish", slog.Any("error", err))
	}
}

// ListenWake forwards wake signals to the dispatcher until ctx ends.
func ListenWake(ctx context.Context, client *redis.Client, d *Dispatcher) error {
	sub := client.Subscribe(ctx, WakeChannel)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			d.Notify()
		}
	}
}
