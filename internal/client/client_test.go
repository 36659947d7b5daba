// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package client

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mapsketch/mapsketch/internal/energy"
	"github.com/mapsketch/mapsketch/internal/models"
)

// testServer is a minimal room endpoint: it upgrades /ws/ requests,
// sends a WELCOME, and records every envelope the client sends.
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []models.SyncMessage
	conns    []*websocket.Conn
	history  []*models.Stroke
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			if r.Method == http.MethodGet && r.URL.Path == "/api/strokes" {
				ts.mu.Lock()
				strokes := ts.history
				ts.mu.Unlock()
				if strokes == nil {
					strokes = []*models.Stroke{}
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"success": true,
					"data":    strokes,
				})
				return
			}
			w.WriteHeader(http.StatusOK) // REST persistence calls
			return
		}
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		_ = conn.WriteJSON(models.Control{Type: models.ControlWelcome, UserID: "srv-user-1", Connections: 1})
		go func() {
			for {
				var msg models.SyncMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				ts.mu.Lock()
				ts.received = append(ts.received, msg)
				ts.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) envelopes() []models.SyncMessage {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]models.SyncMessage, len(ts.received))
	copy(out, ts.received)
	return out
}

func (ts *testServer) dropConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
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

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestJoinRoomConnectsAndLearnsIdentity(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, Config{ServerURL: ts.wsURL()})

	if got := c.State(); got != StateDisconnected {
		t.Fatalf("initial state = %v", got)
	}
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })
	waitFor(t, 2*time.Second, func() bool { return c.UserID() == "srv-user-1" })
	if c.Room() == "" {
		t.Error("room not set after join")
	}

	// Joining the same position again is a no-op.
	room := c.Room()
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if c.Room() != room {
		t.Errorf("room changed on same-position join: %s -> %s", room, c.Room())
	}
}

func TestBroadcastStrokeReachesServer(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, Config{ServerURL: ts.wsURL()})

	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	stroke := &models.Stroke{
		Size:   4,
		Points: []models.Point{{Lat: 52.52, Lng: 13.405}, {Lat: 52.5201, Lng: 13.4051}},
	}
	if err := c.BroadcastStroke(stroke); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(ts.envelopes()) == 1 })
	env := ts.envelopes()[0]
	if env.Event.Type != models.EventStrokeAdd {
		t.Errorf("event type = %q", env.Event.Type)
	}
	if env.Event.Stroke.ID != stroke.ID || stroke.ID == "" {
		t.Errorf("stroke id not assigned and forwarded: %q", env.Event.Stroke.ID)
	}
	if !c.Index().Contains(stroke.ID) {
		t.Error("own stroke missing from local index")
	}
}

func TestOfflineStrokesQueuedAndDrainedInOrder(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, Config{ServerURL: ts.wsURL()})

	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	// Drop the server side; the client schedules a reconnect.
	ts.dropConns()
	waitFor(t, 2*time.Second, func() bool { return c.State() != StateConnected })

	var ids []string
	for i := 0; i < 3; i++ {
		s := &models.Stroke{
			Size:   2,
			Points: []models.Point{{Lat: 52.52, Lng: 13.405}, {Lat: 52.5201, Lng: 13.4051}},
		}
		if err := c.BroadcastStroke(s); err != nil {
			t.Fatalf("offline broadcast %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}
	if got := c.QueuedMessages(); got != 3 {
		t.Fatalf("queued = %d, want 3", got)
	}

	// Reconnect (backoff base 1s) drains the queue in FIFO order.
	waitFor(t, 10*time.Second, func() bool { return len(ts.envelopes()) >= 3 })
	envs := ts.envelopes()
	for i, id := range ids {
		if envs[i].Event.Stroke.ID != id {
			t.Errorf("drain order[%d] = %q, want %q", i, envs[i].Event.Stroke.ID, id)
		}
	}
	if got := c.QueuedMessages(); got != 0 {
		t.Errorf("queue not empty after drain: %d", got)
	}
}

func TestSwitchingRoomsKeepsOfflineStrokesQueued(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, Config{ServerURL: ts.wsURL()})

	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })
	roomA := c.Room()

	ts.dropConns()
	waitFor(t, 2*time.Second, func() bool { return c.State() != StateConnected })

	var ids []string
	for i := 0; i < 2; i++ {
		s := &models.Stroke{
			Size:   2,
			Points: []models.Point{{Lat: 52.52, Lng: 13.405}, {Lat: 52.5201, Lng: 13.4051}},
		}
		if err := c.BroadcastStroke(s); err != nil {
			t.Fatalf("offline broadcast %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	// Moving the viewport to another city joins a different room. The
	// strokes drawn offline belong to the first room and must not be
	// replayed here.
	if err := c.JoinRoom(48.8566, 2.3522); err != nil {
		t.Fatalf("switch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })
	roomB := c.Room()
	if roomB == roomA {
		t.Fatalf("viewport move did not change room: %s", roomA)
	}
	time.Sleep(200 * time.Millisecond) // let the post-connect drain run

	for _, env := range ts.envelopes() {
		if env.Room == string(roomA) {
			t.Errorf("stroke %q replayed into %s while connected to %s",
				env.Event.Stroke.ID, roomA, roomB)
		}
	}
	if got := c.QueuedMessages(); got != 2 {
		t.Fatalf("queued = %d, want 2 retained for %s", got, roomA)
	}

	// Returning to the first room drains them in order.
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return c.QueuedMessages() == 0 })
	var drained []string
	for _, env := range ts.envelopes() {
		if env.Room == string(roomA) && env.Event.Type == models.EventStrokeAdd {
			drained = append(drained, env.Event.Stroke.ID)
		}
	}
	if len(drained) != 2 || drained[0] != ids[0] || drained[1] != ids[1] {
		t.Errorf("drained = %v, want %v", drained, ids)
	}
}

func TestJoinHydratesIndexFromHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.mu.Lock()
	ts.history = []*models.Stroke{
		{ID: "hist-1", Points: []models.Point{{Lat: 52.52, Lng: 13.405}}},
		{ID: "hist-2", Points: []models.Point{{Lat: 52.521, Lng: 13.406}}},
	}
	ts.mu.Unlock()

	c := newTestClient(t, Config{ServerURL: ts.wsURL()})
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return c.Index().Size() == 2 })
	if !c.Index().Contains("hist-1") || !c.Index().Contains("hist-2") {
		t.Error("historical strokes missing from index")
	}
}

func TestRoomSwitchHydrationSurvivesClear(t *testing.T) {
	ts := newTestServer(t)
	ts.mu.Lock()
	ts.history = []*models.Stroke{
		{ID: "old-1", Points: []models.Point{{Lat: 52.52, Lng: 13.405}}},
	}
	ts.mu.Unlock()

	c := newTestClient(t, Config{ServerURL: ts.wsURL()})
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.Index().Contains("old-1") })

	// The new room's history must be in the index after the switch even
	// when the connect and hydration finish quickly. The stale index is
	// cleared before the dial starts, never after.
	ts.mu.Lock()
	ts.history = []*models.Stroke{
		{ID: "new-1", Points: []models.Point{{Lat: 48.8566, Lng: 2.3522}}},
	}
	ts.mu.Unlock()
	if err := c.JoinRoom(48.8566, 2.3522); err != nil {
		t.Fatalf("switch: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return c.Index().Contains("new-1") })
	if c.Index().Contains("old-1") {
		t.Error("previous room's stroke survived the switch")
	}
	if got := c.Index().Size(); got != 1 {
		t.Errorf("index size after switch = %d, want 1", got)
	}
}

func TestCloseReapsConnectionLoops(t *testing.T) {
	ts := newTestServer(t)
	base := runtime.NumGoroutine()

	c, err := New(Config{ServerURL: ts.wsURL(), PingInterval: time.Hour})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	// With an hour between pings only an explicit stop can reap the ping
	// loop. Close must not leave it parked on the ticker.
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runtime.NumGoroutine() <= base })
}

func TestRemoteApplyIsIdempotent(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: "ws://127.0.0.1:1"})

	add := models.NewSyncMessage("14/1/1", models.DrawEvent{
		Type: models.EventStrokeAdd,
		Stroke: &models.Stroke{
			ID:     "remote-1",
			Points: []models.Point{{Lat: 1, Lng: 1}},
		},
	})
	add.SenderID = "peer"
	raw, _ := json.Marshal(add)

	c.dispatch(raw)
	c.dispatch(raw) // redelivery
	if got := c.Index().Size(); got != 1 {
		t.Errorf("index size after duplicate add = %d, want 1", got)
	}

	del := models.NewSyncMessage("14/1/1", models.DrawEvent{
		Type:     models.EventStrokeDelete,
		StrokeID: "remote-1",
	})
	del.SenderID = "peer"
	rawDel, _ := json.Marshal(del)
	c.dispatch(rawDel)
	if got := c.Index().Size(); got != 0 {
		t.Errorf("index size after delete = %d, want 0", got)
	}
}

func TestOwnEventsNotReapplied(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: "ws://127.0.0.1:1"})
	c.mu.Lock()
	c.userID = "me"
	c.mu.Unlock()

	add := models.NewSyncMessage("14/1/1", models.DrawEvent{
		Type:   models.EventStrokeAdd,
		Stroke: &models.Stroke{ID: "mine", Points: []models.Point{{Lat: 1, Lng: 1}}},
	})
	add.SenderID = "me"
	raw, _ := json.Marshal(add)
	c.dispatch(raw)

	if c.Index().Contains("mine") {
		t.Error("own echoed event applied to index")
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	c := newTestClient(t, Config{
		ServerURL:        "ws://127.0.0.1:1", // nothing listens here
		BackoffBase:      10 * time.Millisecond,
		MaxJitter:        time.Millisecond,
		MaxAttempts:      2,
		HandshakeTimeout: 100 * time.Millisecond,
	})

	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateError })
}

func TestGestureEnergyExhaustion(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: "ws://127.0.0.1:1"})
	gate := energy.NewGate(energy.Config{Max: 10, RegenInterval: time.Hour})
	c.SetEnergyGate(gate)

	g := c.BeginGesture("pen", "#000", 8, 1, 12)
	if !g.AddPoint(52.5200, 13.4050, 0.5) {
		t.Fatal("first point rejected")
	}

	// Big jumps at low zoom burn energy fast; the pool must hit zero.
	exhausted := false
	for i := 1; i <= 50 && !exhausted; i++ {
		exhausted = !g.AddPoint(52.5200+float64(i)*0.01, 13.4050, 0.5)
	}
	if !exhausted {
		t.Fatal("gesture never exhausted a 10-point pool")
	}
	if gate.Value() != 0 {
		t.Errorf("gate value = %v, want 0 (clamped)", gate.Value())
	}
	if g.AddPoint(53, 13, 0.5) {
		t.Error("point accepted after exhaustion")
	}
}

func TestGestureEndBroadcastsOrQueues(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, Config{ServerURL: ts.wsURL()})

	if err := c.JoinRoom(52.52, 13.405); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	g := c.BeginGesture("pen", "#fff", 3, 0.9, 16)
	g.AddPoint(52.5200, 13.4050, 0.4)
	g.AddPoint(52.5201, 13.4051, 0.5)
	stroke, err := g.End()
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if stroke == nil {
		t.Fatal("two-point gesture discarded")
	}

	waitFor(t, 2*time.Second, func() bool { return len(ts.envelopes()) == 1 })

	// A one-point gesture is dropped silently.
	g2 := c.BeginGesture("pen", "#fff", 3, 0.9, 16)
	g2.AddPoint(52.52, 13.405, 0.4)
	if s, err := g2.End(); err != nil || s != nil {
		t.Errorf("one-point gesture: stroke=%v err=%v, want nil/nil", s, err)
	}
}
