// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package room

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mapsketch/mapsketch/internal/auth"
	"github.com/mapsketch/mapsketch/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 10 * time.Minute
	maxMessageSize = 512 * 1024 // 512 KB
)

// sessionIDCounter generates unique, monotonically increasing session
// ids so broadcast order is deterministic within a process.
var sessionIDCounter atomic.Uint64

// Conn is the subset of *websocket.Conn the session transport needs.
// Tests substitute an in-memory implementation.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live connection from one user to one room actor.
//
// The identity and connection fields are immutable after Join. The
// activity and rate-window fields are owned by the actor goroutine and
// must only be touched there; the per-room serialization makes locks
// unnecessary.
type Session struct {
	id       uint64
	identity auth.Identity
	conn     Conn
	send     chan interface{}
	actor    *Actor

	joinedAt time.Time

	// Actor-owned state.
	lastActiveAt time.Time
	windowStart  time.Time
	windowCount  int
}

func newSession(conn Conn, identity auth.Identity, actor *Actor, now time.Time) *Session {
	return &Session{
		id:           sessionIDCounter.Add(1),
		identity:     identity,
		conn:         conn,
		send:         make(chan interface{}, actor.cfg.SendBuffer),
		actor:        actor,
		joinedAt:     now,
		lastActiveAt: now,
		windowStart:  now,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 { return s.id }

// Identity returns the resolved participant.
func (s *Session) Identity() auth.Identity { return s.identity }

// start launches the read and write pumps.
func (s *Session) start() {
	go s.writePump()
	go s.readPump()
}

// trySend queues a frame for delivery without blocking the actor.
// Returns false when the session's buffer is full, which the actor
// treats as that peer's disconnect.
func (s *Session) trySend(v interface{}) bool {
	select {
	case s.send <- v:
		return true
	default:
		return false
	}
}

// readPump feeds inbound frames to the actor. It exits on any read
// error and reports the close, making read failure equivalent to
// disconnect.
func (s *Session) readPump() {
	defer func() {
		s.actor.OnClose(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Uint64("session", s.id).Msg("unexpected websocket close")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.actor.OnMessage(s, raw)
	}
}

// writePump drains the send buffer to the connection. The actor closes
// the send channel to terminate the session; the pump then writes a
// close frame and exits.
func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for frame := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := s.conn.WriteJSON(frame); err != nil {
			logging.Debug().Err(err).Uint64("session", s.id).Msg("websocket write failed")
			return
		}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
