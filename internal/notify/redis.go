package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "fac:device:"

// RedisHub publishes events on a per device channel so a device holding its
// event stream on another instance still receives them.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisHub(client *redis.Client) *RedisHub {
	return &RedisHub{
		client: client,
		logger: slog.With("component", "RedisHub"),
	}
}

func channel(deviceID string) string {
	return redisChannelPrefix + deviceID
}

func (h *RedisHub) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	receivers, err := h.client.Publish(ctx, channel(ev.DeviceID), payload).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoListener
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, deviceID string) (<-chan Event, func(), error) {
	pubsub := h.client.Subscribe(ctx, channel(deviceID))
	// Wait for the subscription to be confirmed so events published right
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("Discarding malformed event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					h.logger.Warn("Dropping event for slow subscriber", "device_id", deviceID, "type", ev.Type)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (h *RedisHub) Close() error {
	return nil
}
