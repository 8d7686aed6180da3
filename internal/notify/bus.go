// Package notify is the best-effort publish/subscribe channel used to tell clients about background
// progress. Messages are not persisted or replayed; slow subscribers lose messages.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe delivers messages for topic until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close() error
}

type Message struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

func encode(topic string, payload any) (Message, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, nil, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg := Message{Topic: topic, Payload: raw, PublishedAt: time.Now().UTC()}
	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, nil, err
	}
	return msg, body, nil
}

func decode(body []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(body, &msg)
	return msg, err
}

// Emit publishes and only logs failures. A nil bus drops the message.
func Emit(ctx context.Context, bus Bus, logger *log.Logger, topic string, payload any) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, topic, payload); err != nil && logger != nil {
		logger.Warn("notification dropped", "topic", topic, "err", err)
	}
}
