// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Command server runs the MapSketch sync server: websocket rooms, REST
// stroke persistence, and the optional NATS event mirror, all under one
// supervision tree.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mapsketch/mapsketch/internal/api"
	"github.com/mapsketch/mapsketch/internal/auth"
	"github.com/mapsketch/mapsketch/internal/batch"
	"github.com/mapsketch/mapsketch/internal/bus"
	"github.com/mapsketch/mapsketch/internal/config"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/room"
	"github.com/mapsketch/mapsketch/internal/store"
	"github.com/mapsketch/mapsketch/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("db_path", cfg.Database.Path).
		Bool("mirror_enabled", cfg.NATS.Enabled).
		Msg("Starting MapSketch sync server")

	db, err := store.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open stroke store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing stroke store")
		}
	}()

	var validator auth.Validator
	if cfg.Security.JWTSecret != "" {
		v, err := auth.NewJWTValidator(cfg.Security.JWTSecret)
		if err != nil {
			logging.Fatal().Err(err).Msg("Invalid JWT configuration")
		}
		validator = v
		logging.Info().Msg("JWT authentication enabled")
	} else {
		logging.Info().Msg("No JWT secret configured; all sessions are anonymous")
	}

	batcher := batch.New(db, cfg.Batch)

	// The mirror is optional; rooms run standalone without it.
	var (
		mirror   *bus.Mirror
		listener *bus.Listener
		embedded *bus.EmbeddedServer
	)
	registryMirror := room.Mirror(nil)
	if cfg.NATS.Enabled {
		natsURL := cfg.NATS.URL
		if cfg.NATS.Embedded {
			embedded, err = bus.NewEmbeddedServer(cfg.NATS.Server)
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			natsURL = embedded.ClientURL()
			logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
		}
		mirror, err = bus.NewMirror(natsURL, cfg.NATS)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect event mirror")
		}
		registryMirror = mirror
	}

	registry := room.NewRegistry(cfg.Rooms, validator, batcher, registryMirror)

	if cfg.NATS.Enabled {
		natsURL := cfg.NATS.URL
		if embedded != nil {
			natsURL = embedded.ClientURL()
		}
		listener, err = bus.NewListener(natsURL, mirror.InstanceID(), cfg.NATS, registry)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create mirror listener")
		}
	}

	handler := api.NewHandler(registry, db, validator, cfg.API)
	httpServer := api.NewServer(cfg.Server.Addr(), api.Router(handler))

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddPersistenceService(batcher)
	tree.AddMessagingService(registry)
	if listener != nil {
		tree.AddMessagingService(listener)
	}
	tree.AddAPIService(httpServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := tree.Serve(ctx); err != nil && err != context.Canceled {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}

	if mirror != nil {
		_ = mirror.Close()
	}
	if embedded != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = embedded.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	logging.Info().Msg("Server stopped")
}
