// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package supervisor builds the process's suture supervision tree.
//
// Services are grouped into three layers for failure isolation: a crash
// in the messaging layer (rooms, event mirror) does not restart the
// persistence flush loop or the HTTP listener.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds restart policy for the whole tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering
	// backoff. Default: 5.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	// Default: 30.
	FailureDecay float64

	// FailureBackoff is the pause once the threshold is exceeded.
	// Default: 15s.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown per service.
	// Default: 10s.
	ShutdownTimeout time.Duration
}

func (c *TreeConfig) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5.0
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30.0
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Tree is the supervision hierarchy: persistence, messaging, and api
// layers under one root.
type Tree struct {
	root        *suture.Supervisor
	persistence *suture.Supervisor
	messaging   *suture.Supervisor
	api         *suture.Supervisor
}

// NewTree builds the tree. logger receives supervisor lifecycle events.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	cfg.applyDefaults()

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("mapsketch", rootSpec)
	persistence := suture.New("persistence-layer", childSpec)
	messaging := suture.New("messaging-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(persistence)
	root.Add(messaging)
	root.Add(api)

	return &Tree{root: root, persistence: persistence, messaging: messaging, api: api}
}

// AddPersistenceService supervises a persistence-layer service (the
// stroke batcher).
func (t *Tree) AddPersistenceService(svc suture.Service) suture.ServiceToken {
	return t.persistence.Add(svc)
}

// AddMessagingService supervises a messaging-layer service (the room
// registry, the mirror listener).
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddAPIService supervises an api-layer service (the HTTP listener).
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
