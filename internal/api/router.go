// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the HTTP surface.
type Config struct {
	// CORSOrigins allowed for browser clients. Default: none.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimit requests per RateWindow per client IP on the REST
	// endpoints. Websocket sessions have their own in-room limits.
	// Defaults: 120 per minute.
	RateLimit  int           `koanf:"rate_limit"`
	RateWindow time.Duration `koanf:"rate_window"`
}

func (c *Config) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 120
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
}

// Router assembles the HTTP routes around a handler.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws/{z}/{x}/{y}", h.handleWS)

	r.Route("/api", func(r chi.Router) {
		if len(h.cfg.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: h.cfg.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Use(httprate.LimitByIP(h.cfg.RateLimit, h.cfg.RateWindow))

		r.Get("/strokes", h.handleGetStrokes)
		r.Post("/strokes", h.handlePostStroke)
		r.Delete("/strokes/{id}", h.handleDeleteStroke)
	})

	return r
}
