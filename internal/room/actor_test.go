// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package room

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/tile"
)

// fakeConn is an in-memory Conn. Frames written by the server are
// recorded; inbound client frames are fed through the inbound channel.
type fakeConn struct {
	mu     sync.Mutex
	frames []interface{}

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, raw, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) SetReadLimit(limit int64)          {}
func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// snapshot returns a copy of the frames written so far.
func (c *fakeConn) snapshot() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) controls(typ string) []models.Control {
	var out []models.Control
	for _, f := range c.snapshot() {
		if ctl, ok := f.(models.Control); ok && ctl.Type == typ {
			out = append(out, ctl)
		}
	}
	return out
}

func (c *fakeConn) envelopes() []models.SyncMessage {
	var out []models.SyncMessage
	for _, f := range c.snapshot() {
		if msg, ok := f.(models.SyncMessage); ok {
			out = append(out, msg)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const testRoom = tile.RoomID("14/8185/5448")

func startActor(t *testing.T, cfg Config, sink StrokeSink) *Actor {
	t.Helper()
	a := NewActor(testRoom, cfg, nil, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func strokeAddRaw(t *testing.T, strokeID string) []byte {
	t.Helper()
	msg := models.NewSyncMessage(string(testRoom), models.DrawEvent{
		Type: models.EventStrokeAdd,
		Stroke: &models.Stroke{
			ID:     strokeID,
			Color:  "#1a6b3c",
			Size:   4,
			Points: []models.Point{{Lat: 52.52, Lng: 13.405}},
		},
	})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestJoinSendsWelcomeAndUserJoin(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	c1 := newFakeConn()
	s1, err := a.Join(c1, "", "device-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(c1.controls(models.ControlWelcome)) == 1 })
	w := c1.controls(models.ControlWelcome)[0]
	if w.UserID != s1.Identity().UserID {
		t.Errorf("welcome user = %q, want %q", w.UserID, s1.Identity().UserID)
	}
	if w.Connections != 1 {
		t.Errorf("welcome connections = %d, want 1", w.Connections)
	}

	c2 := newFakeConn()
	s2, err := a.Join(c2, "", "device-2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(c1.controls(models.ControlUserJoin)) == 1 })
	j := c1.controls(models.ControlUserJoin)[0]
	if j.UserID != s2.Identity().UserID {
		t.Errorf("user_join user = %q, want %q", j.UserID, s2.Identity().UserID)
	}
	if j.Connections != 2 {
		t.Errorf("user_join connections = %d, want 2", j.Connections)
	}
	if got := len(c2.controls(models.ControlUserJoin)); got != 0 {
		t.Errorf("joiner received %d USER_JOIN frames about itself", got)
	}
}

func TestJoinRejectsAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	a := startActor(t, cfg, nil)

	for i := 0; i < 2; i++ {
		if _, err := a.Join(newFakeConn(), "", ""); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if _, err := a.Join(newFakeConn(), "", ""); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("join at capacity: err = %v, want ErrRoomFull", err)
	}
}

func TestBroadcastExcludesSenderAndStampsIdentity(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	sender := newFakeConn()
	ss, err := a.Join(sender, "", "sender-dev")
	if err != nil {
		t.Fatalf("join sender: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", "peer-dev"); err != nil {
		t.Fatalf("join peer: %v", err)
	}

	sender.inbound <- strokeAddRaw(t, "s1")

	waitFor(t, time.Second, func() bool { return len(peer.envelopes()) == 1 })
	env := peer.envelopes()[0]
	if env.SenderID != ss.Identity().UserID {
		t.Errorf("sender id = %q, want %q", env.SenderID, ss.Identity().UserID)
	}
	if env.Room != string(testRoom) {
		t.Errorf("room = %q, want %q", env.Room, testRoom)
	}
	if env.Event.Stroke == nil || env.Event.Stroke.ID != "s1" {
		t.Errorf("stroke payload not forwarded: %+v", env.Event)
	}
	if got := len(sender.envelopes()); got != 0 {
		t.Errorf("sender echoed %d of its own events", got)
	}
}

func TestFixedWindowRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitMax = 5
	cfg.RateLimitWindow = 150 * time.Millisecond
	a := startActor(t, cfg, nil)

	sender := newFakeConn()
	if _, err := a.Join(sender, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	for i := 0; i < 8; i++ {
		sender.inbound <- strokeAddRaw(t, "s")
	}
	waitFor(t, time.Second, func() bool { return len(sender.controls(models.ControlError)) == 3 })
	if got := len(peer.envelopes()); got != 5 {
		t.Errorf("peer received %d events in window, want 5", got)
	}

	// The counter resets once the window elapses.
	time.Sleep(cfg.RateLimitWindow + 20*time.Millisecond)
	sender.inbound <- strokeAddRaw(t, "s")
	waitFor(t, time.Second, func() bool { return len(peer.envelopes()) == 6 })
}

func TestPingAnsweredWithPong(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	conn := newFakeConn()
	if _, err := a.Join(conn, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	raw, _ := json.Marshal(models.NewSyncMessage(string(testRoom), models.DrawEvent{Type: models.EventPing}))
	conn.inbound <- raw

	waitFor(t, time.Second, func() bool { return len(conn.controls(models.ControlPong)) == 1 })
	if ts := conn.controls(models.ControlPong)[0].Timestamp; ts == 0 {
		t.Error("pong timestamp not set")
	}
}

func TestMalformedPayloadsIgnored(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	sender := newFakeConn()
	if _, err := a.Join(sender, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	sender.inbound <- []byte(`{not json`)
	sender.inbound <- []byte(`{"room":"x","event":{"type":"NO_SUCH_EVENT"}}`)
	sender.inbound <- []byte(`{"room":"x","event":{"type":"STROKE_ADD"}}`) // missing stroke
	sender.inbound <- strokeAddRaw(t, "good")

	// The valid trailing event proves the session survived the garbage.
	waitFor(t, time.Second, func() bool { return len(peer.envelopes()) == 1 })
	if got := peer.envelopes()[0].Event.Stroke.ID; got != "good" {
		t.Errorf("forwarded stroke = %q, want %q", got, "good")
	}
}

func TestForgedAuthorshipDropped(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	sender := newFakeConn()
	if _, err := a.Join(sender, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	forged := models.NewSyncMessage(string(testRoom), models.DrawEvent{
		Type:     models.EventStrokeUpdate,
		StrokeID: "victim-stroke",
		UserID:   "somebody-else",
	})
	raw, _ := json.Marshal(forged)
	sender.inbound <- raw
	sender.inbound <- strokeAddRaw(t, "honest")

	waitFor(t, time.Second, func() bool { return len(peer.envelopes()) == 1 })
	if got := peer.envelopes()[0].Event.Type; got != models.EventStrokeAdd {
		t.Errorf("forwarded event = %q, forged update leaked", got)
	}
}

func TestIdleSessionsEvicted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	a := startActor(t, cfg, nil)

	idle := newFakeConn()
	is, err := a.Join(idle, "", "idle-dev")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	active := newFakeConn()
	if _, err := a.Join(active, "", "active-dev"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Keep one session active past the other's timeout.
	stop := make(chan struct{})
	go func() {
		raw, _ := json.Marshal(models.NewSyncMessage(string(testRoom), models.DrawEvent{Type: models.EventPing}))
		for {
			select {
			case <-stop:
				return
			case <-time.After(15 * time.Millisecond):
				active.inbound <- raw
			}
		}
	}()
	defer close(stop)

	waitFor(t, 2*time.Second, func() bool { return len(idle.controls(models.ControlIdleDisconnect)) >= 1 })
	waitFor(t, 2*time.Second, func() bool {
		for _, ctl := range active.controls(models.ControlUserLeave) {
			if ctl.UserID == is.Identity().UserID {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatDelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	a := startActor(t, cfg, nil)

	conn := newFakeConn()
	if _, err := a.Join(conn, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(conn.controls(models.ControlHeartbeat)) >= 2 })
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	a := startActor(t, DefaultConfig(), nil)

	leaving := newFakeConn()
	ls, err := a.Join(leaving, "", "leaving-dev")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", "peer-dev"); err != nil {
		t.Fatalf("join: %v", err)
	}

	_ = leaving.Close()

	waitFor(t, time.Second, func() bool {
		for _, ctl := range peer.controls(models.ControlUserLeave) {
			if ctl.UserID == ls.Identity().UserID && ctl.Connections == 1 {
				return true
			}
		}
		return false
	})
}

type captureSink struct {
	mu      sync.Mutex
	strokes []*models.Stroke
}

func (c *captureSink) Submit(s *models.Stroke) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strokes = append(c.strokes, s)
	return nil
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.strokes)
}

func TestStrokeAddsForwardedToSink(t *testing.T) {
	sink := &captureSink{}
	a := startActor(t, DefaultConfig(), sink)

	conn := newFakeConn()
	sess, err := a.Join(conn, "", "dev")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	conn.inbound <- strokeAddRaw(t, "persist-me")

	waitFor(t, time.Second, func() bool { return sink.len() == 1 })
	sink.mu.Lock()
	got := sink.strokes[0]
	sink.mu.Unlock()
	if got.ID != "persist-me" {
		t.Errorf("sink stroke id = %q", got.ID)
	}
	if got.UserID != sess.Identity().UserID {
		t.Errorf("sink stroke author = %q, want %q (server-stamped)", got.UserID, sess.Identity().UserID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("sink stroke CreatedAt not stamped")
	}
}

func TestMisaddressedEnvelopeDropped(t *testing.T) {
	sink := &captureSink{}
	a := startActor(t, DefaultConfig(), sink)

	sender := newFakeConn()
	if _, err := a.Join(sender, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	// An envelope stamped for a different tile, e.g. an offline replay
	// after the author moved, must not be adopted into this room.
	stray := models.NewSyncMessage("14/100/100", models.DrawEvent{
		Type: models.EventStrokeAdd,
		Stroke: &models.Stroke{
			ID:     "stray",
			Size:   4,
			Points: []models.Point{{Lat: 52.52, Lng: 13.405}},
		},
	})
	raw, _ := json.Marshal(stray)
	sender.inbound <- raw
	sender.inbound <- strokeAddRaw(t, "local")

	waitFor(t, time.Second, func() bool { return len(peer.envelopes()) == 1 })
	if got := peer.envelopes()[0].Event.Stroke.ID; got != "local" {
		t.Errorf("forwarded stroke = %q, misaddressed event leaked", got)
	}
	if len(sender.controls(models.ControlError)) != 1 {
		t.Error("sender not notified about the misaddressed event")
	}

	waitFor(t, time.Second, func() bool { return sink.len() == 1 })
	sink.mu.Lock()
	persisted := sink.strokes[0]
	sink.mu.Unlock()
	if persisted.ID != "local" || persisted.Room != string(testRoom) {
		t.Errorf("persisted stroke = %q room %q, want %q in %q",
			persisted.ID, persisted.Room, "local", testRoom)
	}
}

func TestRoomThrottleDropsExcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoomRatePerSec = 1
	cfg.RoomBurst = 1
	cfg.RateLimitMax = 1000 // keep the per-session limit out of the way
	a := startActor(t, cfg, nil)

	sender := newFakeConn()
	if _, err := a.Join(sender, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	peer := newFakeConn()
	if _, err := a.Join(peer, "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	sender.inbound <- strokeAddRaw(t, "a")
	sender.inbound <- strokeAddRaw(t, "b")

	waitFor(t, time.Second, func() bool { return len(sender.controls(models.ControlError)) == 1 })
	if got := len(peer.envelopes()); got != 1 {
		t.Errorf("peer received %d events, want 1 (burst)", got)
	}
}
