package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport bundles a watermill publisher and subscriber and the resources
// they hold.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Redis      bool

	client *redis.Client
}

// BuildTransport constructs a Redis Streams transport when enabled, otherwise
// an in-memory gochannel pub/sub.
func BuildTransport(s Settings, logger watermill.LoggerAdapter) (*Transport, error) {
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Transport{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	return &Transport{Publisher: pub, Subscriber: sub, Redis: true, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a first subscribe does not replay history.
// It is a no-op for the in-memory transport.
func (t *Transport) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if t == nil || t.client == nil {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var first error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			first = err
		}
	}
	if t.Subscriber != nil && t.Redis {
		if err := t.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
