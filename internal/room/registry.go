// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package room

import (
	"context"
	"errors"
	"sync"

	"github.com/mapsketch/mapsketch/internal/auth"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/metrics"
	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/tile"
)

// Registry is the arena of live room actors. It guarantees at most one
// live actor per RoomID: actors are created on first join and removed
// when they self-terminate after draining. It runs as a supervised
// service; shutdown closes every room.
type Registry struct {
	cfg       Config
	validator auth.Validator
	sink      StrokeSink
	mirror    Mirror

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[tile.RoomID]*Actor
	closed bool
}

// NewRegistry creates the arena. validator, sink, and mirror are passed
// through to every actor and may be nil.
func NewRegistry(cfg Config, validator auth.Validator, sink StrokeSink, mirror Mirror) *Registry {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		validator: validator,
		sink:      sink,
		mirror:    mirror,
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[tile.RoomID]*Actor),
	}
}

// Join admits a connection to its room, creating the actor on first
// join. A race with a terminating actor is retried against a fresh one.
func (r *Registry) Join(id tile.RoomID, conn Conn, token, fallbackID string) (*Session, error) {
	if !tile.Valid(id) {
		return nil, tile.ErrInvalidRoomID
	}
	for {
		actor, err := r.getOrCreate(id)
		if err != nil {
			return nil, err
		}
		sess, err := actor.Join(conn, token, fallbackID)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return sess, err
	}
}

func (r *Registry) getOrCreate(id tile.RoomID) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if a, ok := r.rooms[id]; ok && !a.Closed() {
		return a, nil
	}

	a := NewActor(id, r.cfg, r.validator, r.sink, r.mirror)
	r.rooms[id] = a
	metrics.ActiveRooms.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		a.Run(r.ctx)
		r.mu.Lock()
		if r.rooms[id] == a {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
		metrics.ActiveRooms.Dec()
	}()
	return a, nil
}

// Deliver hands a mirrored event to its room's local sessions. Rooms
// with no local sessions are skipped; an actor is never created just to
// hear a mirrored event.
func (r *Registry) Deliver(msg *models.SyncMessage) {
	r.mu.Lock()
	a, ok := r.rooms[tile.RoomID(msg.Room)]
	r.mu.Unlock()
	if ok && !a.Closed() {
		a.Deliver(msg)
	}
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Serve blocks until the context is canceled, then closes every room.
// Satisfies suture.Service.
func (r *Registry) Serve(ctx context.Context) error {
	<-ctx.Done()
	r.Close()
	return ctx.Err()
}

// String names the service in supervisor logs.
func (r *Registry) String() string { return "room-registry" }

// Close rejects new joins, stops every actor, and waits for them to
// finish. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	n := len(r.rooms)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	logging.Info().Int("rooms", n).Msg("room registry closed")
}
