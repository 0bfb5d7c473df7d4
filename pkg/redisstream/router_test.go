package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.False(t, s.Enabled)
	require.Equal(t, "localhost:6379", s.Addr)
	require.NotEmpty(t, s.Group)
	require.NotEmpty(t, s.Consumer)
}

func TestInMemoryTransportRoundTrip(t *testing.T) {
	tr, err := BuildTransport(Settings{}, watermill.NopLogger{})
	require.NoError(t, err)
	require.False(t, tr.Redis)
	defer func() { require.NoError(t, tr.Close()) }()

	require.NoError(t, tr.EnsureGroupAtTail(context.Background(), "topic", "group"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscriber.Subscribe(ctx, "topic")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("topic", message.NewMessage(watermill.NewUUID(), []byte("hello"))))
	select {
	case msg := <-ch:
		require.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
