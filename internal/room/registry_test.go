// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package room

import (
	"errors"
	"testing"
	"time"

	"github.com/mapsketch/mapsketch/internal/tile"
)

func TestRegistryCreatesOneActorPerRoom(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, nil, nil)
	defer r.Close()

	if _, err := r.Join("14/8185/5448", newFakeConn(), "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("14/8185/5448", newFakeConn(), "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("14/8185/5449", newFakeConn(), "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := r.Rooms(); got != 2 {
		t.Errorf("rooms = %d, want 2", got)
	}
}

func TestRegistryRejectsMalformedRoomID(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, nil, nil)
	defer r.Close()

	for _, id := range []tile.RoomID{"", "not-a-tile", "14/8185", "99/0/0", "14/999999/0"} {
		if _, err := r.Join(id, newFakeConn(), "", ""); !errors.Is(err, tile.ErrInvalidRoomID) {
			t.Errorf("Join(%q) err = %v, want ErrInvalidRoomID", id, err)
		}
	}
}

func TestRegistryReapsEmptyRooms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmptyRoomTTL = 30 * time.Millisecond
	r := NewRegistry(cfg, nil, nil, nil)
	defer r.Close()

	conn := newFakeConn()
	if _, err := r.Join("14/100/100", conn, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := r.Rooms(); got != 1 {
		t.Fatalf("rooms = %d, want 1", got)
	}

	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool { return r.Rooms() == 0 })

	// A later join gets a fresh actor for the same room.
	if _, err := r.Join("14/100/100", newFakeConn(), "", ""); err != nil {
		t.Fatalf("rejoin after reap: %v", err)
	}
	if got := r.Rooms(); got != 1 {
		t.Errorf("rooms after rejoin = %d, want 1", got)
	}
}

func TestRegistryCloseRejectsJoins(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, nil, nil)
	if _, err := r.Join("14/1/1", newFakeConn(), "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Close()

	if _, err := r.Join("14/1/1", newFakeConn(), "", ""); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("join after close err = %v, want ErrRoomClosed", err)
	}
	if got := r.Rooms(); got != 0 {
		t.Errorf("rooms after close = %d, want 0", got)
	}
}
