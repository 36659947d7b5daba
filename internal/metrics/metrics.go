// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package metrics provides Prometheus instrumentation for the sync
// subsystem: room/session population, broadcast throughput, throttling,
// persistence batching, and client reconnect behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsketch_active_rooms",
			Help: "Number of rooms with at least one live session",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsketch_active_sessions",
			Help: "Number of live websocket sessions across all rooms",
		},
	)

	JoinsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsketch_joins_rejected_total",
			Help: "Room joins rejected, by reason",
		},
		[]string{"reason"}, // "capacity"
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsketch_broadcasts_total",
			Help: "Draw events fanned out to room peers, by event type",
		},
		[]string{"event"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsketch_messages_dropped_total",
			Help: "Inbound messages dropped before broadcast, by reason",
		},
		[]string{"reason"}, // "rate_limit", "room_throttle", "malformed", "forged_author"
	)

	IdleEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_idle_evictions_total",
			Help: "Sessions evicted for exceeding the idle timeout",
		},
	)

	// Persistence batching metrics
	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapsketch_batch_flush_size",
			Help:    "Strokes per persistence batch flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1..512
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapsketch_batch_flush_duration_seconds",
			Help:    "Duration of persistence batch flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_batch_retries_total",
			Help: "Persistence batch flush retries",
		},
	)

	// Client metrics
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_client_reconnects_total",
			Help: "Client reconnect attempts",
		},
	)

	OfflineEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_offline_enqueued_total",
			Help: "Events diverted to the offline queue",
		},
	)

	OfflineDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_offline_drained_total",
			Help: "Events re-sent from the offline queue after reconnect",
		},
	)

	// Event mirror metrics
	MirrorPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_mirror_published_total",
			Help: "Stroke events published to the NATS mirror",
		},
	)

	MirrorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsketch_mirror_errors_total",
			Help: "Failed NATS mirror publishes",
		},
	)
)
