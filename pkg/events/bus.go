// Package events carries session update notifications between the
// conversation stores and the websocket fanout over a watermill topic.
package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const Topic = "turnsearch.session.updates"

// Update says that the state of a page session changed.
type Update struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	MessageID string `json:"message_id,omitempty"`
}

type Handler func(ctx context.Context, u Update) error

// Bus publishes and consumes Updates on Topic.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber
}

func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{pub: pub, sub: sub}
}

func (b *Bus) Publish(ctx context.Context, u Update) error {
	if b == nil || b.pub == nil {
		return errors.New("events: bus has no publisher")
	}
	if u.SessionID == "" {
		return errors.New("events: update without session id")
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "events: marshal update")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("session_id", u.SessionID)
	return errors.Wrap(b.pub.Publish(Topic, msg), "events: publish update")
}

// Run subscribes to Topic and calls h for every update until ctx is done.
// Undecodable messages are acked and skipped; a handler error nacks the message.
func (b *Bus) Run(ctx context.Context, h Handler) error {
	if b == nil || b.sub == nil {
		return errors.New("events: bus has no subscriber")
	}
	ch, err := b.sub.Subscribe(ctx, Topic)
	if err != nil {
		return errors.Wrap(err, "events: subscribe")
	}
	log.Info().Str("component", "events").Str("topic", Topic).Msg("session update reader started")
	for msg := range ch {
		var u Update
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			log.Warn().Err(err).Str("component", "events").Str("message_uuid", msg.UUID).Msg("failed to decode session update")
			msg.Ack()
			continue
		}
		if err := h(msg.Context(), u); err != nil {
			log.Warn().Err(err).Str("component", "events").Str("session_id", u.SessionID).Msg("session update handler failed")
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	log.Info().Str("component", "events").Msg("session update reader stopped")
	return nil
}
