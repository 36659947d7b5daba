// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package client implements the sync client used by native agents and
// tools: it derives the room from the user's position, maintains the
// websocket session with reconnect backoff, keeps a local spatial index
// of strokes, and diverts sends to a durable offline queue while
// disconnected.
package client

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mapsketch/mapsketch/internal/energy"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/metrics"
	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/queue"
	"github.com/mapsketch/mapsketch/internal/spatial"
	"github.com/mapsketch/mapsketch/internal/tile"
)

// State of the sync connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is terminal: reconnect attempts are exhausted and only
	// an explicit JoinRoom restarts the machine.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("sync client closed")

// Config for the sync client.
type Config struct {
	// ServerURL is the websocket base ("ws://host:8080").
	ServerURL string `koanf:"server_url"`

	// Token authenticates the user; empty joins anonymously.
	Token string `koanf:"token"`

	// DeviceID stabilizes the anonymous guest identity across restarts.
	DeviceID string `koanf:"device_id"`

	// QueuePath is the offline queue directory. Empty keeps the queue
	// in memory, used by tests.
	QueuePath string `koanf:"queue_path"`

	// Reconnect backoff: BackoffBase × 2^attempt plus uniform jitter up
	// to MaxJitter, for at most MaxAttempts before the terminal error
	// state. Defaults: 1s base, 1s jitter, 10 attempts.
	BackoffBase time.Duration `koanf:"backoff_base"`
	MaxJitter   time.Duration `koanf:"max_jitter"`
	MaxAttempts int           `koanf:"max_attempts"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// PingInterval keeps the session out of the server's idle window.
	// Default: 60s.
	PingInterval time.Duration `koanf:"ping_interval"`

	// Callbacks, all optional, invoked from the read loop. They must
	// not call back into the client.
	OnEvent       func(*models.SyncMessage) `koanf:"-"`
	OnControl     func(models.Control)      `koanf:"-"`
	OnStateChange func(State)               `koanf:"-"`
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 60 * time.Second
	}
}

// Client is the sync client. Safe for concurrent use.
type Client struct {
	cfg   Config
	queue *queue.Queue
	index *spatial.Index
	rest  *restClient
	gate  *energy.Gate

	state atomic.Int32

	mu             sync.Mutex
	conn           *websocket.Conn
	pingStop       chan struct{}
	room           tile.RoomID
	attempts       int
	connGen        uint64
	reconnectTimer *time.Timer
	userID         string
	closed         bool
}

// New creates a client. The offline queue is opened immediately so
// strokes drawn before the first connect are not lost.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return &Client{
		cfg:   cfg,
		queue: q,
		index: spatial.New(spatial.DefaultCellSizeDeg),
		rest:  newRESTClient(cfg.ServerURL, cfg.Token),
	}, nil
}

// SetEnergyGate attaches the energy pool consulted by gesture capture.
func (c *Client) SetEnergyGate(g *energy.Gate) { c.gate = g }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Index exposes the local spatial index of known strokes.
func (c *Client) Index() *spatial.Index { return c.index }

// UserID returns the server-assigned identity, empty before the first
// WELCOME.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Room returns the currently joined room, empty when none.
func (c *Client) Room() tile.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// JoinRoom derives the room for a position and connects to it. Joining
// the room the client is already in (or reconnecting to) is a no-op.
// Switching rooms drops the old connection and any pending reconnect.
func (c *Client) JoinRoom(lat, lng float64) error {
	room := tile.FromCoords(lat, lng)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if room == c.room && c.State() != StateError && c.State() != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.dropConnLocked(websocket.CloseNormalClosure)
	if room != c.room {
		// Strokes from the old room are out of view. Cleared before the
		// dial starts so the new room's hydration cannot be wiped.
		c.index.Clear()
	}
	c.room = room
	c.attempts = 0
	c.startConnectLocked()
	c.mu.Unlock()
	return nil
}

// Disconnect cleanly leaves the current room. No reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.dropConnLocked(websocket.CloseNormalClosure)
	c.room = ""
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// Close disconnects and releases the offline queue.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dropConnLocked(websocket.CloseNormalClosure)
	c.mu.Unlock()
	c.setState(StateDisconnected)
	return c.queue.Close()
}

// Send transmits one message on the live connection. Returns false when
// not connected or the write fails; broadcast paths fall back to the
// offline queue on false.
func (c *Client) Send(msg models.SyncMessage) bool {
	c.mu.Lock()
	conn := c.conn
	gen := c.connGen
	c.mu.Unlock()
	if conn == nil || c.State() != StateConnected {
		return false
	}
	if err := conn.WriteJSON(msg); err != nil {
		c.handleDisconnect(gen, err)
		return false
	}
	return true
}

// BroadcastStroke publishes a finished stroke: applied to the local
// index immediately, persisted durably over REST (fire-and-forget), and
// sent to room peers, via the offline queue when disconnected.
func (c *Client) BroadcastStroke(stroke *models.Stroke) error {
	if stroke.ID == "" {
		stroke.ID = models.NewStrokeID()
	}
	if stroke.CreatedAt.IsZero() {
		stroke.CreatedAt = time.Now()
	}
	stroke.ComputeBounds()

	room := c.Room()
	if room == "" {
		return errors.New("no room joined")
	}
	stroke.Room = string(room)

	c.index.Add(stroke)
	c.rest.persistStroke(stroke)

	msg := models.NewSyncMessage(string(room), models.DrawEvent{
		Type:   models.EventStrokeAdd,
		Stroke: stroke,
	})
	if !c.Send(msg) {
		return c.enqueue(msg)
	}
	return nil
}

// BroadcastDelete removes one of the user's strokes everywhere.
func (c *Client) BroadcastDelete(strokeID string) error {
	room := c.Room()
	if room == "" {
		return errors.New("no room joined")
	}

	c.index.Remove(strokeID)
	c.rest.deleteStroke(strokeID)

	msg := models.NewSyncMessage(string(room), models.DrawEvent{
		Type:     models.EventStrokeDelete,
		StrokeID: strokeID,
		UserID:   c.UserID(),
	})
	if !c.Send(msg) {
		return c.enqueue(msg)
	}
	return nil
}

// SendCursor shares the user's cursor position with room peers. Cursor
// frames are ephemeral: a failed or disconnected send is simply lost,
// never queued offline.
func (c *Client) SendCursor(lat, lng float64, color string) {
	room := c.Room()
	if room == "" {
		return
	}
	c.Send(models.NewSyncMessage(string(room), models.DrawEvent{
		Type:     models.EventCursorMove,
		Position: &models.Point{Lat: lat, Lng: lng},
		Color:    color,
	}))
}

// QueuedMessages returns the offline backlog size.
func (c *Client) QueuedMessages() int {
	n, err := c.queue.Len()
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) enqueue(msg models.SyncMessage) error {
	if err := c.queue.Enqueue(msg); err != nil {
		return fmt.Errorf("offline enqueue: %w", err)
	}
	metrics.OfflineEnqueued.Inc()
	return nil
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// startConnectLocked begins an async dial for the current room. Caller
// holds c.mu.
func (c *Client) startConnectLocked() {
	c.connGen++
	gen := c.connGen
	room := c.room
	c.setState(StateConnecting)
	go c.dial(gen, room)
}

func (c *Client) dial(gen uint64, room tile.RoomID) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	q := url.Values{}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	if c.cfg.DeviceID != "" {
		q.Set("uid", c.cfg.DeviceID)
	}
	wsURL := fmt.Sprintf("%s/ws/%s", c.cfg.ServerURL, room)
	if enc := q.Encode(); enc != "" {
		wsURL += "?" + enc
	}

	conn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.connGen != gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		logging.Warn().Err(err).Str("room", string(room)).Msg("sync dial failed")
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.pingStop = make(chan struct{})
	stop := c.pingStop
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnected)
	logging.Info().Str("room", string(room)).Msg("sync connected")

	go c.readLoop(gen, conn)
	go c.pingLoop(gen, conn, stop)
	c.hydrate(gen, room)
	c.drainOffline(room)
}

// hydrate loads the room's durable strokes into the local index so the
// viewport renders history, not just live traffic. Best effort; a
// failure leaves the index to fill from live events alone.
func (c *Client) hydrate(gen uint64, room tile.RoomID) {
	strokes, err := c.rest.fetchRoomStrokes(string(room))
	if err != nil {
		logging.Warn().Err(err).Str("room", string(room)).Msg("viewport hydration failed")
		return
	}
	c.mu.Lock()
	stale := c.connGen != gen
	c.mu.Unlock()
	if stale {
		return
	}
	for _, s := range strokes {
		if s != nil && s.Bounds == (models.BBox{}) {
			s.ComputeBounds()
		}
	}
	c.index.BulkLoad(strokes)
	logging.Debug().Int("strokes", len(strokes)).Str("room", string(room)).Msg("viewport hydrated")
}

// drainOffline replays queued messages for the connected room in FIFO
// order. Envelopes stamped for other rooms stay queued; they drain when
// the client rejoins their room, so a stroke drawn offline in one tile
// is never replayed into a neighboring one. Delivery is at-least-once:
// a failed send stops the drain and keeps the remainder for the next
// connect.
func (c *Client) drainOffline(room tile.RoomID) {
	n, err := c.queue.Drain(func(msg models.SyncMessage) error {
		if msg.Room != string(room) {
			return queue.ErrSkip
		}
		if !c.Send(msg) {
			return errors.New("connection lost during drain")
		}
		metrics.OfflineDrained.Inc()
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Int("sent", n).Msg("offline drain interrupted")
	} else if n > 0 {
		logging.Info().Int("sent", n).Str("room", string(room)).Msg("offline queue drained")
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) pingLoop(gen uint64, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		stale := c.connGen != gen || c.conn != conn
		room := c.room
		c.mu.Unlock()
		if stale {
			return
		}
		c.Send(models.NewSyncMessage(string(room), models.DrawEvent{Type: models.EventPing}))
	}
}

// dispatch routes one inbound frame: envelopes carry peer draw events,
// everything else is a control frame.
func (c *Client) dispatch(raw []byte) {
	var msg models.SyncMessage
	if err := json.Unmarshal(raw, &msg); err == nil && msg.Event.Type != "" {
		c.applyRemote(&msg)
		return
	}

	var ctl models.Control
	if err := json.Unmarshal(raw, &ctl); err != nil || ctl.Type == "" {
		return
	}
	if ctl.Type == models.ControlWelcome {
		c.mu.Lock()
		c.userID = ctl.UserID
		c.mu.Unlock()
	}
	if c.cfg.OnControl != nil {
		c.cfg.OnControl(ctl)
	}
}

// applyRemote folds a peer's event into the local index. Application
// is idempotent by stroke id, so redelivery after an offline drain on
// the sender's side cannot duplicate local state.
func (c *Client) applyRemote(msg *models.SyncMessage) {
	if msg.SenderID != "" && msg.SenderID == c.UserID() {
		return
	}
	switch msg.Event.Type {
	case models.EventStrokeAdd:
		if msg.Event.Stroke != nil {
			s := *msg.Event.Stroke
			if s.Bounds == (models.BBox{}) {
				s.ComputeBounds()
			}
			c.index.Add(&s)
		}
	case models.EventStrokeDelete:
		c.index.Remove(msg.Event.StrokeID)
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(msg)
	}
}

func (c *Client) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connGen != gen || c.closed {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// Clean close: the server ended the session deliberately.
		c.setState(StateDisconnected)
		return
	}
	logging.Warn().Err(err).Str("room", string(c.room)).Msg("sync connection lost")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		logging.Error().Int("attempts", c.attempts).Str("room", string(c.room)).
			Msg("reconnect attempts exhausted")
		c.setState(StateError)
		return
	}

	delay := c.cfg.BackoffBase*(1<<uint(c.attempts)) +
		time.Duration(rand.Int63n(int64(c.cfg.MaxJitter)))
	c.attempts++
	metrics.Reconnects.Inc()
	c.setState(StateConnecting)

	gen := c.connGen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.connGen != gen || c.closed || c.room == "" {
			return
		}
		c.startConnectLocked()
	})
	logging.Debug().Dur("delay", delay).Int("attempt", c.attempts).Msg("reconnect scheduled")
}

// dropConnLocked tears down the live connection and cancels any pending
// reconnect. Caller holds c.mu.
func (c *Client) dropConnLocked(closeCode int) {
	c.connGen++ // invalidates read/ping loops and pending timers
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}
