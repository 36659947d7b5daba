// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package room

import "errors"

var (
	// ErrRoomFull rejects a join when the room is at MaxConnections.
	// Retryable: capacity frees up as sessions leave or idle out.
	ErrRoomFull = errors.New("room at capacity")

	// ErrRoomClosed rejects operations against an actor that has
	// already terminated.
	ErrRoomClosed = errors.New("room closed")

	// ErrRateLimited marks a message dropped by the per-session window
	// limit. The sender is notified; the room is unaffected.
	ErrRateLimited = errors.New("rate limit exceeded")
)
