// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package batch coalesces accepted strokes into bounded, timed batches
// before handing them to the durable store. A circuit breaker shields
// the store from flush storms when it is failing; the room actors never
// block on persistence.
package batch

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/metrics"
	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/store"
)

// ErrQueueFull is returned by Submit when the intake buffer is full.
// The caller drops the stroke from persistence (it was already
// broadcast); losing a stroke beats stalling a room.
var ErrQueueFull = errors.New("persistence queue full")

// Config tunes batching behavior.
type Config struct {
	// MaxBatch flushes as soon as this many strokes are pending.
	// Default: 128.
	MaxBatch int `koanf:"max_batch"`

	// FlushInterval flushes whatever is pending on a timer so a quiet
	// room's last strokes are not held indefinitely. Default: 500ms.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// QueueSize bounds the intake buffer between the room actors and
	// the flush loop. Default: 4096.
	QueueSize int `koanf:"queue_size"`

	// MaxRetries per failed flush, with doubling backoff starting at
	// RetryBackoff. Defaults: 3 retries from 250ms.
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// FlushTimeout bounds one store write. Default: 10s.
	FlushTimeout time.Duration `koanf:"flush_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 128
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// Batcher implements room.StrokeSink backed by a StrokeStore.
type Batcher struct {
	cfg     Config
	store   store.StrokeStore
	in      chan *models.Stroke
	breaker *gobreaker.CircuitBreaker[interface{}]
}

// New creates a batcher writing to the given store.
func New(st store.StrokeStore, cfg Config) *Batcher {
	cfg.applyDefaults()
	b := &Batcher{
		cfg:   cfg,
		store: st,
		in:    make(chan *models.Stroke, cfg.QueueSize),
	}
	b.breaker = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "stroke-store",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("persistence circuit breaker state changed")
		},
	})
	return b
}

// Submit queues a stroke for persistence without blocking.
func (b *Batcher) Submit(s *models.Stroke) error {
	select {
	case b.in <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the intake backlog. Used by health reporting.
func (b *Batcher) Pending() int { return len(b.in) }

// Serve runs the flush loop until the context is canceled, then drains
// the intake buffer and flushes the remainder. Satisfies suture.Service.
func (b *Batcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]*models.Stroke, 0, b.cfg.MaxBatch)
	for {
		select {
		case <-ctx.Done():
			b.drainInto(&pending)
			if len(pending) > 0 {
				// Shutdown flush runs on its own deadline; the serve
				// context is already canceled.
				flushCtx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
				b.flush(flushCtx, pending)
				cancel()
			}
			return ctx.Err()

		case s := <-b.in:
			pending = append(pending, s)
			if len(pending) >= b.cfg.MaxBatch {
				b.flush(ctx, pending)
				pending = pending[:0]
			}

		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

// String names the service in supervisor logs.
func (b *Batcher) String() string { return "persistence-batcher" }

func (b *Batcher) drainInto(pending *[]*models.Stroke) {
	for {
		select {
		case s := <-b.in:
			*pending = append(*pending, s)
		default:
			return
		}
	}
}

// flush writes one batch through the circuit breaker, retrying with
// doubling backoff. Batch inserts are idempotent by stroke id, so a
// retry after a partial failure cannot duplicate rows. A batch that
// exhausts its retries is dropped and logged.
func (b *Batcher) flush(ctx context.Context, batch []*models.Stroke) {
	metrics.BatchFlushSize.Observe(float64(len(batch)))
	start := time.Now()

	backoff := b.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.BatchRetries.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				logging.Error().Err(ctx.Err()).Int("strokes", len(batch)).Msg("batch flush abandoned")
				return
			}
			backoff *= 2
		}

		_, lastErr = b.breaker.Execute(func() (interface{}, error) {
			flushCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
			defer cancel()
			return nil, b.store.InsertBatch(flushCtx, batch)
		})
		if lastErr == nil {
			metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
			logging.Debug().Int("strokes", len(batch)).Dur("took", time.Since(start)).Msg("batch flushed")
			return
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) {
			break
		}
	}

	logging.Error().Err(lastErr).Int("strokes", len(batch)).Msg("batch flush failed, strokes dropped")
}
