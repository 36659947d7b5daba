// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/models"
)

// Handler receives mirrored events from other instances. Implemented by
// the room registry.
type Handler interface {
	Deliver(msg *models.SyncMessage)
}

// Listener consumes mirrored stroke events and applies them to local
// rooms, skipping events this instance published itself. Runs as a
// supervised service.
type Listener struct {
	instanceID string
	subscriber message.Subscriber
	handler    Handler
}

// NewListener connects a subscriber to the NATS server at url.
// instanceID must match the local Mirror's so own publishes are
// discarded.
func NewListener(url, instanceID string, cfg Config, handler Handler) (*Listener, error) {
	cfg.applyDefaults()
	logger := watermill.NewStdLogger(false, false)

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:            url,
		NatsOptions:    natsOptions(cfg),
		AckWaitTimeout: 30 * time.Second,
		Unmarshaler:    &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
				natsgo.AckWait(30 * time.Second),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create mirror subscriber: %w", err)
	}

	return &Listener{
		instanceID: instanceID,
		subscriber: sub,
		handler:    handler,
	}, nil
}

// Serve consumes mirrored events until the context is canceled.
// Satisfies suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	msgs, err := l.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe to mirror topic: %w", err)
	}
	defer func() { _ = l.subscriber.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wm, ok := <-msgs:
			if !ok {
				return fmt.Errorf("mirror subscription closed")
			}
			l.handle(wm)
		}
	}
}

// String names the service in supervisor logs.
func (l *Listener) String() string { return "event-mirror-listener" }

func (l *Listener) handle(wm *message.Message) {
	// Always ack: a mirrored event is best-effort fan-out, and
	// redelivery of a stale event helps nobody.
	defer wm.Ack()

	if wm.Metadata.Get(originHeader) == l.instanceID {
		return
	}

	var msg models.SyncMessage
	if err := json.Unmarshal(wm.Payload, &msg); err != nil {
		logging.Warn().Err(err).Str("msg_id", wm.UUID).Msg("undecodable mirrored event")
		return
	}
	if msg.Room == "" {
		return
	}
	l.handler.Deliver(&msg)
}
