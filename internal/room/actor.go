// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package room hosts the server side of real-time collaboration: one
// actor per tile room owning the session registry, event fan-out, rate
// limiting, heartbeat/eviction, and the hand-off to durable persistence.
//
// Each actor is logically single-threaded: joins, inbound messages,
// closes, and heartbeat ticks are serialized through one command channel
// processed by one goroutine, so room state needs no locks. Different
// rooms run fully independently.
package room

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mapsketch/mapsketch/internal/auth"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/metrics"
	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/tile"
)

// Config holds per-room limits. The zero value is not usable; call
// DefaultConfig and override.
type Config struct {
	// MaxConnections bounds the sessions per room. Default: 500.
	MaxConnections int `koanf:"max_connections"`

	// RateLimitMax messages per RateLimitWindow per session. The window
	// is a fixed window that resets exactly every RateLimitWindow.
	// Defaults: 60 per 1000 ms.
	RateLimitMax    int           `koanf:"rate_limit_max"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// IdleTimeout evicts sessions with no inbound traffic. Default: 300s.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// HeartbeatInterval drives the heartbeat/eviction tick while the
	// room has sessions. Default: 30s.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// RoomRatePerSec and RoomBurst bound aggregate broadcast throughput
	// for the whole room. Messages beyond the budget are dropped with an
	// ERROR frame to the sender. Defaults: 200/sec, burst 400.
	RoomRatePerSec float64 `koanf:"room_rate_per_sec"`
	RoomBurst      int     `koanf:"room_burst"`

	// SendBuffer is the per-session outbound frame buffer. A session
	// that falls this far behind is treated as disconnected. Default: 64.
	SendBuffer int `koanf:"send_buffer"`

	// EmptyRoomTTL keeps an empty actor alive awaiting rejoins before it
	// terminates and leaves the registry. Default: 60s.
	EmptyRoomTTL time.Duration `koanf:"empty_room_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    500,
		RateLimitMax:      60,
		RateLimitWindow:   time.Second,
		IdleTimeout:       300 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RoomRatePerSec:    200,
		RoomBurst:         400,
		SendBuffer:        64,
		EmptyRoomTTL:      60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = d.RateLimitMax
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RoomRatePerSec <= 0 {
		c.RoomRatePerSec = d.RoomRatePerSec
	}
	if c.RoomBurst <= 0 {
		c.RoomBurst = d.RoomBurst
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EmptyRoomTTL <= 0 {
		c.EmptyRoomTTL = d.EmptyRoomTTL
	}
}

// StrokeSink receives strokes for durable persistence. Implemented by
// the persistence batcher. Submit must not block the caller for long;
// errors are logged by the actor, never surfaced to the sender.
type StrokeSink interface {
	Submit(s *models.Stroke) error
}

// Mirror publishes accepted stroke events to sibling server instances.
// Optional; failures are logged only.
type Mirror interface {
	PublishEvent(ctx context.Context, msg *models.SyncMessage) error
}

type command interface{}

type joinCmd struct {
	conn       Conn
	token      string
	fallbackID string
	reply      chan joinReply
}

type joinReply struct {
	sess *Session
	err  error
}

type messageCmd struct {
	sess *Session
	raw  []byte
}

type closeCmd struct {
	sess *Session
}

type deliverCmd struct {
	msg *models.SyncMessage
}

// Actor owns all state for one room. At most one live actor exists per
// RoomID, enforced by the Registry.
type Actor struct {
	id        tile.RoomID
	cfg       Config
	validator auth.Validator
	sink      StrokeSink
	mirror    Mirror

	cmds    chan command
	done    chan struct{}
	limiter *rate.Limiter

	// Loop-owned state; never touched outside run().
	sessions map[uint64]*Session
}

// NewActor creates an actor for one room. validator, sink, and mirror
// may be nil (anonymous-only joins, no persistence, no mirroring).
func NewActor(id tile.RoomID, cfg Config, validator auth.Validator, sink StrokeSink, mirror Mirror) *Actor {
	cfg.applyDefaults()
	return &Actor{
		id:        id,
		cfg:       cfg,
		validator: validator,
		sink:      sink,
		mirror:    mirror,
		cmds:      make(chan command, 256),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RoomRatePerSec), cfg.RoomBurst),
		sessions:  make(map[uint64]*Session),
	}
}

// ID returns the room this actor owns.
func (a *Actor) ID() tile.RoomID { return a.id }

// Closed reports whether the actor has terminated.
func (a *Actor) Closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Join admits a connection to the room. It blocks until the actor has
// processed the join, returning ErrRoomFull at capacity or ErrRoomClosed
// when the actor has terminated. Identity is resolved from the token,
// degrading to an anonymous guest on failure. On success the session's
// pumps are started, a WELCOME is queued to the joiner, and a USER_JOIN
// is broadcast to the other sessions.
func (a *Actor) Join(conn Conn, token, fallbackID string) (*Session, error) {
	reply := make(chan joinReply, 1)
	select {
	case a.cmds <- joinCmd{conn: conn, token: token, fallbackID: fallbackID, reply: reply}:
	case <-a.done:
		return nil, ErrRoomClosed
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		r.sess.start()
		return r.sess, nil
	case <-a.done:
		return nil, ErrRoomClosed
	}
}

// OnMessage hands an inbound frame to the actor. Called by the
// session's read pump.
func (a *Actor) OnMessage(s *Session, raw []byte) {
	select {
	case a.cmds <- messageCmd{sess: s, raw: raw}:
	case <-a.done:
	}
}

// Deliver broadcasts an event that originated on another server
// instance to every local session. Mirrored events bypass rate limiting
// and persistence; the origin instance already handled both.
func (a *Actor) Deliver(msg *models.SyncMessage) {
	select {
	case a.cmds <- deliverCmd{msg: msg}:
	case <-a.done:
	}
}

// OnClose reports a session's connection as gone. Safe to call for
// sessions the actor already evicted.
func (a *Actor) OnClose(s *Session) {
	select {
	case a.cmds <- closeCmd{sess: s}:
	case <-a.done:
	}
}

// Run processes the room's command stream until the context is canceled
// or the room has been empty for EmptyRoomTTL. All session state is
// owned by this goroutine.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)

	log := logging.With().Str("room", string(a.id)).Logger()
	log.Debug().Msg("room actor started")

	var heartbeat *time.Ticker
	var heartbeatCh <-chan time.Time
	idle := time.NewTimer(a.cfg.EmptyRoomTTL)
	defer idle.Stop()

	stopHeartbeat := func() {
		if heartbeat != nil {
			heartbeat.Stop()
			heartbeat = nil
			heartbeatCh = nil
		}
	}
	defer stopHeartbeat()

	for {
		select {
		case <-ctx.Done():
			n := len(a.sessions)
			a.closeAll()
			log.Debug().Int("sessions_closed", n).Msg("room actor stopped")
			return

		case cmd := <-a.cmds:
			switch c := cmd.(type) {
			case joinCmd:
				a.handleJoin(c)
				if len(a.sessions) > 0 {
					if heartbeat == nil {
						heartbeat = time.NewTicker(a.cfg.HeartbeatInterval)
						heartbeatCh = heartbeat.C
					}
					if !idle.Stop() {
						select {
						case <-idle.C:
						default:
						}
					}
				}
			case messageCmd:
				a.handleMessage(c.sess, c.raw)
			case deliverCmd:
				// Session ids start at 1; zero excludes nobody.
				a.broadcast(c.msg, 0)
				metrics.BroadcastsTotal.WithLabelValues(c.msg.Event.Type).Inc()
			case closeCmd:
				a.removeSession(c.sess)
				if len(a.sessions) == 0 {
					stopHeartbeat()
					idle.Reset(a.cfg.EmptyRoomTTL)
				}
			}

		case now := <-heartbeatCh:
			a.heartbeatTick(now)
			if len(a.sessions) == 0 {
				stopHeartbeat()
				idle.Reset(a.cfg.EmptyRoomTTL)
			}

		case <-idle.C:
			if len(a.sessions) == 0 {
				log.Debug().Msg("room actor terminating (empty)")
				return
			}
			// A join raced the timer; keep running.
		}
	}
}

func (a *Actor) handleJoin(c joinCmd) {
	if len(a.sessions) >= a.cfg.MaxConnections {
		metrics.JoinsRejected.WithLabelValues("capacity").Inc()
		c.reply <- joinReply{err: ErrRoomFull}
		return
	}

	ident := auth.Resolve(a.validator, c.token, c.fallbackID)
	sess := newSession(c.conn, ident, a, time.Now())
	a.sessions[sess.id] = sess
	metrics.ActiveSessions.Inc()

	sess.trySend(models.Control{
		Type:        models.ControlWelcome,
		UserID:      ident.UserID,
		UserName:    ident.UserName,
		Connections: len(a.sessions),
	})
	a.broadcastControl(models.Control{
		Type:        models.ControlUserJoin,
		UserID:      ident.UserID,
		UserName:    ident.UserName,
		Connections: len(a.sessions),
	}, sess.id)

	logging.Debug().
		Str("room", string(a.id)).
		Str("user", ident.UserID).
		Int("connections", len(a.sessions)).
		Msg("session joined")

	c.reply <- joinReply{sess: sess}
}

func (a *Actor) handleMessage(s *Session, raw []byte) {
	if _, live := a.sessions[s.id]; !live {
		return
	}
	now := time.Now()
	s.lastActiveAt = now

	// Fixed-window rate limit: the counter resets exactly every window.
	if now.Sub(s.windowStart) >= a.cfg.RateLimitWindow {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
	if s.windowCount > a.cfg.RateLimitMax {
		metrics.MessagesDropped.WithLabelValues("rate_limit").Inc()
		s.trySend(models.Control{Type: models.ControlError, Message: ErrRateLimited.Error()})
		return
	}

	var msg models.SyncMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if err := msg.Event.Validate(); err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}

	// An envelope stamped for another room is misaddressed, usually a
	// stale offline replay after the author moved tiles. Drop it instead
	// of adopting it into this room's broadcast and persistence.
	if msg.Room != "" && msg.Room != string(a.id) {
		metrics.MessagesDropped.WithLabelValues("room_mismatch").Inc()
		s.trySend(models.Control{Type: models.ControlError, Message: "event addressed to another room"})
		return
	}

	if msg.Event.Type == models.EventPing {
		s.trySend(models.NewPong())
		return
	}

	// Stroke mutations are author-only; drop events claiming someone
	// else's authorship.
	if (msg.Event.Type == models.EventStrokeUpdate || msg.Event.Type == models.EventStrokeDelete) &&
		msg.Event.UserID != "" && msg.Event.UserID != s.identity.UserID {
		metrics.MessagesDropped.WithLabelValues("forged_author").Inc()
		return
	}

	if !a.limiter.Allow() {
		metrics.MessagesDropped.WithLabelValues("room_throttle").Inc()
		s.trySend(models.Control{Type: models.ControlError, Message: "room throughput exceeded"})
		return
	}

	msg.Room = string(a.id)
	msg.SenderID = s.identity.UserID
	msg.SenderName = s.identity.UserName

	a.broadcast(&msg, s.id)
	metrics.BroadcastsTotal.WithLabelValues(msg.Event.Type).Inc()

	if msg.Event.Type == models.EventStrokeAdd && a.sink != nil {
		stroke := *msg.Event.Stroke
		stroke.Room = string(a.id)
		stroke.UserID = s.identity.UserID
		stroke.UserName = s.identity.UserName
		if stroke.CreatedAt.IsZero() {
			stroke.CreatedAt = now
		}
		if err := a.sink.Submit(&stroke); err != nil {
			logging.Error().Err(err).
				Str("room", string(a.id)).
				Str("stroke", stroke.ID).
				Msg("persistence hand-off failed")
		}
	}

	if a.mirror != nil && (msg.Event.Type == models.EventStrokeAdd || msg.Event.Type == models.EventStrokeDelete) {
		if err := a.mirror.PublishEvent(context.Background(), &msg); err != nil {
			metrics.MirrorErrors.Inc()
			logging.Warn().Err(err).Str("room", string(a.id)).Msg("mirror publish failed")
		}
	}
}

// broadcast fans a message out to every session except the sender, in
// deterministic session-id order. A full send buffer counts as that
// peer's disconnect and evicts it; one slow peer never fails the room.
func (a *Actor) broadcast(msg *models.SyncMessage, exclude uint64) {
	for _, sess := range a.sortedSessions() {
		if sess.id == exclude {
			continue
		}
		if _, live := a.sessions[sess.id]; !live {
			continue // evicted mid-broadcast
		}
		if !sess.trySend(*msg) {
			a.removeSession(sess)
		}
	}
}

func (a *Actor) broadcastControl(frame models.Control, exclude uint64) {
	for _, sess := range a.sortedSessions() {
		if sess.id == exclude {
			continue
		}
		if _, live := a.sessions[sess.id]; !live {
			continue
		}
		if !sess.trySend(frame) {
			a.removeSession(sess)
		}
	}
}

// heartbeatTick evicts idle sessions and probes the rest. Runs only
// while the room has sessions.
func (a *Actor) heartbeatTick(now time.Time) {
	for _, sess := range a.sortedSessions() {
		if _, live := a.sessions[sess.id]; !live {
			continue // evicted earlier in this tick
		}
		if now.Sub(sess.lastActiveAt) > a.cfg.IdleTimeout {
			sess.trySend(models.Control{
				Type:       models.ControlIdleDisconnect,
				TimeoutSec: int(a.cfg.IdleTimeout / time.Second),
			})
			metrics.IdleEvictions.Inc()
			a.removeSession(sess)
			continue
		}
		if !sess.trySend(models.NewHeartbeat()) {
			a.removeSession(sess)
		}
	}
}

// removeSession drops a session from the registry, closes its outbound
// stream (which terminates its write pump), and notifies the remaining
// peers. Idempotent: the pumps and the actor may both report the same
// session's end.
func (a *Actor) removeSession(s *Session) {
	if _, live := a.sessions[s.id]; !live {
		return
	}
	delete(a.sessions, s.id)
	close(s.send)
	metrics.ActiveSessions.Dec()

	a.broadcastControl(models.Control{
		Type:        models.ControlUserLeave,
		UserID:      s.identity.UserID,
		Connections: len(a.sessions),
	}, s.id)

	logging.Debug().
		Str("room", string(a.id)).
		Str("user", s.identity.UserID).
		Int("connections", len(a.sessions)).
		Msg("session left")
}

func (a *Actor) closeAll() {
	for _, sess := range a.sortedSessions() {
		if _, live := a.sessions[sess.id]; !live {
			continue
		}
		delete(a.sessions, sess.id)
		close(sess.send)
		metrics.ActiveSessions.Dec()
	}
}

// sortedSessions snapshots the registry in session-id order so fan-out
// order is deterministic.
func (a *Actor) sortedSessions() []*Session {
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
