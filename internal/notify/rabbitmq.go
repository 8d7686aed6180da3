package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes to a topic exchange keyed by topic name. Each subscriber gets its own
// exclusive auto-delete queue, so nothing outlives the subscriber.
type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *log.Logger
	mu       sync.Mutex
}

// NewRabbitMQ creates a new instance of RabbitMQ notification bus.
func NewRabbitMQ(url, exchange string, logger *log.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, topic string, payload any) error {
	_, body, err := encode(topic, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel.PublishWithContext(
		ctx,
		r.exchange,
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
		},
	)
}

func (r *RabbitMQ) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.QueueBind(q.Name, topic, r.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind %s: %w", topic, err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	out := make(chan Message, subscriberBuffer)

	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case delivery, ok := <-msgs:
				if !ok {
					return
				}
				msg, err := decode(delivery.Body)
				if err != nil {
					r.logger.Warn("malformed notification", "topic", topic, "err", err)
					continue
				}
				select {
				case out <- msg:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
