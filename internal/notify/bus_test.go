package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelEvent struct {
	ChannelID string `json:"channel_id"`
	Updating  bool   `json:"updating"`
}

func TestBusImplementations(t *testing.T) {
	var _ Bus = (*MemoryBus)(nil)
	var _ Bus = (*RedisBus)(nil)
	var _ Bus = (*RabbitMQ)(nil)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx, "channels")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "channels", channelEvent{ChannelID: "UC1", Updating: true}))

	select {
	case msg := <-ch:
		var ev channelEvent
		require.NoError(t, msg.Decode(&ev))
		assert.Equal(t, "channels", msg.Topic)
		assert.Equal(t, channelEvent{ChannelID: "UC1", Updating: true}, ev)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case <-other:
		t.Fatal("message leaked to another topic")
	default:
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	assert.NoError(t, bus.Publish(context.Background(), "channels", channelEvent{ChannelID: "UC1"}))
}

func TestMemoryBus_SlowSubscriberDropsMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, "jobs", i))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok) // channel is closed
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus()
	_, err := bus.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "jobs", 1), ErrClosed)
	_, err = bus.Subscribe(context.Background(), "jobs")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_EncodeError(t *testing.T) {
	bus := NewMemoryBus()
	err := bus.Publish(context.Background(), "jobs", make(chan int))
	assert.Error(t, err)
}

func TestEmit_NilBus(t *testing.T) {
	Emit(context.Background(), nil, nil, "jobs", 1)
}
