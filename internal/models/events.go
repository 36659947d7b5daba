// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package models

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event types carried inside a SyncMessage envelope.
const (
	EventStrokeAdd    = "STROKE_ADD"
	EventStrokeDelete = "STROKE_DELETE"
	EventStrokeUpdate = "STROKE_UPDATE"
	EventCursorMove   = "CURSOR_MOVE"
	EventPing         = "PING"
)

// Server-originated control frame types. Control frames are sent bare,
// without the SyncMessage envelope.
const (
	ControlWelcome        = "WELCOME"
	ControlUserJoin       = "USER_JOIN"
	ControlUserLeave      = "USER_LEAVE"
	ControlHeartbeat      = "HEARTBEAT"
	ControlPong           = "PONG"
	ControlError          = "ERROR"
	ControlIdleDisconnect = "IDLE_DISCONNECT"
)

// ErrUnknownEvent is returned for event types outside the protocol.
var ErrUnknownEvent = errors.New("unknown draw event type")

// DrawEvent is the tagged union of everything a client can author.
// Exactly the fields relevant to Type are populated.
type DrawEvent struct {
	Type string `json:"type"`

	// STROKE_ADD
	Stroke *Stroke `json:"stroke,omitempty"`

	// STROKE_DELETE and STROKE_UPDATE
	StrokeID string `json:"strokeId,omitempty"`

	// STROKE_UPDATE: author-only field patches (opacity, color...)
	Patches map[string]json.RawMessage `json:"patches,omitempty"`

	// CURSOR_MOVE
	Position *Point `json:"position,omitempty"`
	Color    string `json:"color,omitempty"`

	// Authorship. For STROKE_DELETE/UPDATE this is the author the client
	// claims; the room actor verifies it against the envelope sender.
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// Validate checks that the event carries the fields its type requires.
func (e *DrawEvent) Validate() error {
	switch e.Type {
	case EventStrokeAdd:
		if e.Stroke == nil || e.Stroke.ID == "" {
			return errors.New("stroke add requires a stroke with an id")
		}
	case EventStrokeDelete, EventStrokeUpdate:
		if e.StrokeID == "" {
			return errors.New("stroke id required")
		}
	case EventCursorMove:
		if e.Position == nil {
			return errors.New("cursor move requires a position")
		}
	case EventPing:
	default:
		return ErrUnknownEvent
	}
	return nil
}

// SyncMessage is the wire envelope for draw events. SenderID and
// SenderName are stamped by the room actor before fan-out; values sent
// by clients are overwritten.
type SyncMessage struct {
	Room       string    `json:"room"`
	MsgID      string    `json:"msgId"`
	Event      DrawEvent `json:"event"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
}

// NewSyncMessage wraps an event in an envelope with a fresh message id.
func NewSyncMessage(room string, event DrawEvent) SyncMessage {
	return SyncMessage{
		Room:  room,
		MsgID: uuid.NewString(),
		Event: event,
	}
}

// Control is a server-originated control frame.
type Control struct {
	Type        string `json:"type"`
	UserID      string `json:"userId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	Connections int    `json:"connections,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Message     string `json:"message,omitempty"`
	TimeoutSec  int    `json:"timeout,omitempty"`
}

// NewHeartbeat returns a HEARTBEAT frame stamped with the current time.
func NewHeartbeat() Control {
	return Control{Type: ControlHeartbeat, Timestamp: time.Now().UnixMilli()}
}

// NewPong returns a PONG frame stamped with the current time.
func NewPong() Control {
	return Control{Type: ControlPong, Timestamp: time.Now().UnixMilli()}
}
