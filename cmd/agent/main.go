// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Command agent is a headless drawing client used for load testing and
// demos. It joins the room covering a position, draws randomized
// strokes through the energy gate at a fixed cadence, and logs every
// remote event it receives. Strokes drawn while disconnected land in
// the offline queue and drain on reconnect.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mapsketch/mapsketch/internal/client"
	"github.com/mapsketch/mapsketch/internal/energy"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/models"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://127.0.0.1:8080", "sync server websocket base URL")
		token     = flag.String("token", "", "JWT bearer token (empty joins anonymously)")
		deviceID  = flag.String("device", "", "stable device id for guest identity")
		dataDir   = flag.String("data", "", "local state directory (empty keeps queue and energy in memory)")
		lat       = flag.Float64("lat", 51.5074, "latitude to draw around")
		lng       = flag.Float64("lng", -0.1278, "longitude to draw around")
		zoom      = flag.Float64("zoom", 16, "zoom level strokes are drawn at")
		interval  = flag.Duration("interval", 3*time.Second, "delay between strokes")
		count     = flag.Int("count", 0, "number of strokes to draw, 0 for unlimited")
		brushSize = flag.Float64("size", 4, "brush size")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console"})

	queuePath, energyPath := "", ""
	if *dataDir != "" {
		queuePath = *dataDir + "/queue"
		energyPath = *dataDir + "/energy"
	}

	device := *deviceID
	if device == "" {
		device = fmt.Sprintf("agent-%d", os.Getpid())
	}

	eStore, err := energy.OpenStore(energyPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open energy store")
	}
	defer eStore.Close()

	gate, err := eStore.LoadGate(energy.DefaultConfig(), device)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore energy state")
	}
	regen := energy.NewRegenerator(gate, eStore, device)
	regen.Start()
	defer regen.Stop()

	c, err := client.New(client.Config{
		ServerURL: *serverURL,
		Token:     *token,
		DeviceID:  device,
		QueuePath: queuePath,
		OnEvent: func(msg *models.SyncMessage) {
			logging.Info().
				Str("type", msg.Event.Type).
				Str("from", msg.SenderName).
				Str("stroke", msg.Event.StrokeID).
				Msg("Remote event")
		},
		OnControl: func(ctrl models.Control) {
			logging.Debug().Str("type", ctrl.Type).Msg("Control frame")
		},
		OnStateChange: func(st client.State) {
			logging.Info().Str("state", st.String()).Msg("Connection state changed")
		},
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create sync client")
	}
	defer c.Close()
	c.SetEnergyGate(gate)

	if err := c.JoinRoom(*lat, *lng); err != nil {
		logging.Fatal().Err(err).Msg("Failed to join room")
	}
	logging.Info().
		Str("room", string(c.Room())).
		Float64("energy", gate.Value()).
		Msg("Agent joined room")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	drawn := 0
	for {
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Int("drawn", drawn).Msg("Agent stopping")
			return
		case <-ticker.C:
			if c.State() == client.StateError {
				logging.Error().Msg("Connection permanently failed")
				return
			}
			drawStroke(c, *lat, *lng, *zoom, *brushSize)
			drawn++
			if *count > 0 && drawn >= *count {
				logging.Info().Int("drawn", drawn).Msg("Stroke budget reached")
				return
			}
		}
	}
}

// drawStroke captures one short randomized gesture near the anchor
// position. Offsets stay within roughly a city block so every stroke
// lands in the anchor's room.
func drawStroke(c *client.Client, lat, lng, zoom, size float64) {
	colors := []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4"}
	g := c.BeginGesture("pen", colors[rand.Intn(len(colors))], size, 1.0, zoom)

	baseLat := lat + (rand.Float64()-0.5)*0.002
	baseLng := lng + (rand.Float64()-0.5)*0.002
	points := 3 + rand.Intn(8)
	for i := 0; i < points; i++ {
		dLat := baseLat + float64(i)*0.00005 + (rand.Float64()-0.5)*0.00002
		dLng := baseLng + float64(i)*0.00005 + (rand.Float64()-0.5)*0.00002
		if !g.AddPoint(dLat, dLng, 0.5+rand.Float64()*0.5) {
			logging.Warn().Msg("Energy exhausted mid-gesture")
			break
		}
	}

	stroke, err := g.End()
	switch {
	case err != nil:
		logging.Warn().Err(err).Msg("Gesture ended with error")
	case stroke == nil:
		logging.Debug().Msg("Gesture too short, discarded")
	default:
		logging.Info().
			Str("stroke", stroke.ID).
			Int("points", len(stroke.Points)).
			Msg("Stroke drawn")
	}
}
