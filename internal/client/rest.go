// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/models"
)

// restClient persists strokes durably through the server's REST API,
// independent of the websocket path. Persistence is fire-and-forget:
// the real-time path never waits on it, and failures are only logged.
// The stroke still reaches peers live and survives locally in the
// offline queue.
type restClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[interface{}]
}

func newRESTClient(serverURL, token string) *restClient {
	base := strings.Replace(serverURL, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)

	return &restClient{
		baseURL: strings.TrimSuffix(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
			Name:        "stroke-rest",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *restClient) persistStroke(stroke *models.Stroke) {
	go func() {
		body, err := json.Marshal(stroke)
		if err != nil {
			logging.Warn().Err(err).Str("stroke", stroke.ID).Msg("stroke encode failed")
			return
		}
		_, err = r.breaker.Execute(func() (interface{}, error) {
			return nil, r.do(http.MethodPost, "/api/strokes", body)
		})
		if err != nil {
			logging.Warn().Err(err).Str("stroke", stroke.ID).Msg("durable stroke persist failed")
		}
	}()
}

func (r *restClient) deleteStroke(strokeID string) {
	go func() {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.do(http.MethodDelete, "/api/strokes/"+strokeID, nil)
		})
		if err != nil {
			logging.Warn().Err(err).Str("stroke", strokeID).Msg("durable stroke delete failed")
		}
	}()
}

// fetchRoomStrokes loads the durable strokes of a room for viewport
// hydration. Synchronous; the caller decides how a failure degrades.
func (r *restClient) fetchRoomStrokes(roomID string) ([]*models.Stroke, error) {
	var envelope struct {
		Success bool             `json:"success"`
		Data    []*models.Stroke `json:"data"`
	}
	res, err := r.breaker.Execute(func() (interface{}, error) {
		body, err := r.get("/api/strokes?room=" + url.QueryEscape(roomID))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode strokes response: %w", err)
		}
		return envelope.Data, nil
	})
	if err != nil {
		return nil, err
	}
	strokes, _ := res.([]*models.Stroke)
	return strokes, nil
}

func (r *restClient) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *restClient) do(method, path string, body []byte) error {
	req, err := http.NewRequest(method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
