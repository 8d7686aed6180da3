package notify

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// RedisBus uses Redis Pub/Sub, so every worker process and the web server see the same stream.
// The client stays owned by the caller.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedisBus(client *redis.Client, prefix string, logger *log.Logger) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	_, body, err := encode(topic, payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(topic), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := decode([]byte(raw.Payload))
				if err != nil {
					b.logger.Warn("malformed notification", "topic", topic, "err", err)
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op. Subscriptions end with their contexts and the client is closed by its owner.
func (b *RedisBus) Close() error {
	return nil
}
