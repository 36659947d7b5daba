// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mapsketch/mapsketch/internal/logging"
)

// Server runs the HTTP listener as a supervised service.
type Server struct {
	srv *http.Server
}

// NewServer builds the listener for the given address and handler.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Serve listens until the context is canceled, then shuts down
// gracefully. Satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "http-server" }
