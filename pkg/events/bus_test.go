package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversUpdates(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })
	bus := NewBus(ch, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []Update
	)
	done := make(chan error, 1)
	go func() {
		done <- bus.Run(ctx, func(_ context.Context, u Update) error {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
			return nil
		})
	}()

	// gochannel drops messages published before the subscription exists
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, Update{SessionID: "s1", Kind: "probe"})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, Update{SessionID: "s1", Kind: "filter", MessageID: "m1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := got[len(got)-1]
		return last.Kind == "filter" && last.MessageID == "m1"
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestPublishRequiresSessionID(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })
	require.Error(t, NewBus(ch, ch).Publish(context.Background(), Update{Kind: "x"}))
}

func TestRunSkipsUndecodablePayloads(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: false}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })
	bus := NewBus(ch, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan Update, 8)
	go func() {
		_ = bus.Run(ctx, func(_ context.Context, u Update) error {
			seen <- u
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		_ = ch.Publish(Topic, message.NewMessage(watermill.NewUUID(), []byte("not json")))
		_ = bus.Publish(ctx, Update{SessionID: "s2", Kind: "turn"})
		select {
		case u := <-seen:
			return u.SessionID == "s2"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
