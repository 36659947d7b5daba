// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package api exposes the HTTP surface: the websocket room endpoint,
// the REST stroke endpoints, health, and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/mapsketch/mapsketch/internal/logging"
)

// APIResponse is the response wrapper for all REST endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError carries a machine-readable code and a human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("failed to encode API response")
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}
