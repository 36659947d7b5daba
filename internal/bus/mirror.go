// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/metrics"
	"github.com/mapsketch/mapsketch/internal/models"
)

// Topic carries mirrored stroke events between instances.
const Topic = "strokes"

const originHeader = "origin"

// Config tunes the mirror connection.
type Config struct {
	// Enabled turns mirroring on. Off by default; single-instance
	// deployments do not need it.
	Enabled bool `koanf:"enabled"`

	// URL of the NATS server. Empty with Embedded set starts an
	// in-process server.
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`

	Server ServerConfig `koanf:"server"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

func (c *Config) applyDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Mirror publishes accepted stroke events to NATS. Implements
// room.Mirror. Each instance stamps its own id on outgoing messages so
// it can discard its own publishes on the subscribe side.
type Mirror struct {
	instanceID string
	publisher  message.Publisher
	breaker    *gobreaker.CircuitBreaker[interface{}]

	mu     sync.Mutex
	closed bool
}

// NewMirror connects a publisher to the NATS server at url.
func NewMirror(url string, cfg Config) (*Mirror, error) {
	cfg.applyDefaults()
	logger := watermill.NewStdLogger(false, false)

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOptions(cfg),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true, // dedupe on redelivery
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create mirror publisher: %w", err)
	}

	m := &Mirror{
		instanceID: uuid.NewString(),
		publisher:  pub,
	}
	m.breaker = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "event-mirror",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("mirror circuit breaker state changed")
		},
	})
	return m, nil
}

// InstanceID returns this instance's mirror identity.
func (m *Mirror) InstanceID() string { return m.instanceID }

// PublishEvent mirrors one accepted event. The envelope's MsgID doubles
// as the NATS message id for broker-side deduplication.
func (m *Mirror) PublishEvent(ctx context.Context, msg *models.SyncMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mirror is closed")
	}
	m.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode mirrored event: %w", err)
	}

	wm := message.NewMessage(msg.MsgID, data)
	wm.Metadata.Set(originHeader, m.instanceID)

	_, err = m.breaker.Execute(func() (interface{}, error) {
		return nil, m.publisher.Publish(Topic, wm)
	})
	if err != nil {
		return err
	}
	metrics.MirrorPublished.Inc()
	return nil
}

// Close shuts the publisher down. Idempotent.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.publisher.Close()
}

func natsOptions(cfg Config) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}
