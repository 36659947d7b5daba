// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mapsketch/mapsketch/internal/auth"
	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/models"
	"github.com/mapsketch/mapsketch/internal/room"
	"github.com/mapsketch/mapsketch/internal/store"
	"github.com/mapsketch/mapsketch/internal/tile"
)

// Handler serves the HTTP and websocket endpoints.
type Handler struct {
	registry  *room.Registry
	store     store.StrokeStore
	validator auth.Validator
	cfg       Config
	validate  *validator.Validate
}

// NewHandler wires the endpoints to the room registry and stroke store.
// validator may be nil; all joins are then anonymous.
func NewHandler(registry *room.Registry, st store.StrokeStore, v auth.Validator, cfg Config) *Handler {
	cfg.applyDefaults()
	return &Handler{
		registry:  registry,
		store:     st,
		validator: v,
		cfg:       cfg,
		validate:  validator.New(),
	}
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin allows non-browser clients (no Origin header) and browser
// origins on the configured allowlist.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// handleWS upgrades GET /ws/{z}/{x}/{y} and joins the session to its
// room. Authentication is a bearer token in the "token" query parameter;
// "uid" stabilizes the anonymous fallback identity.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := tile.RoomID(fmt.Sprintf("%s/%s/%s",
		chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y")))
	if !tile.Valid(roomID) {
		writeError(w, http.StatusBadRequest, "invalid_room", "malformed room id")
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	uid := r.URL.Query().Get("uid")
	if _, err := h.registry.Join(roomID, conn, token, uid); err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, room.ErrRoomFull) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// handleGetStrokes serves GET /api/strokes?room=z/x/y with an optional
// bounding box (minLat, minLng, maxLat, maxLng) and limit.
func (h *Handler) handleGetStrokes(w http.ResponseWriter, r *http.Request) {
	roomID := tile.RoomID(r.URL.Query().Get("room"))
	if !tile.Valid(roomID) {
		writeError(w, http.StatusBadRequest, "invalid_room", "missing or malformed room parameter")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		strokes []*models.Stroke
		err     error
	)
	if box, ok, boxErr := parseBBox(r); boxErr != nil {
		writeError(w, http.StatusBadRequest, "invalid_bounds", boxErr.Error())
		return
	} else if ok {
		strokes, err = h.store.QueryBounds(r.Context(), string(roomID), box, limit)
	} else {
		strokes, err = h.store.QueryRoom(r.Context(), string(roomID), limit)
	}
	if err != nil {
		logging.Error().Err(err).Str("room", string(roomID)).Msg("stroke query failed")
		writeError(w, http.StatusInternalServerError, "query_failed", "stroke query failed")
		return
	}
	if strokes == nil {
		strokes = []*models.Stroke{}
	}
	writeData(w, strokes)
}

// handlePostStroke persists one stroke durably. This is the REST half
// of the client's broadcast path; the stroke may also arrive over the
// websocket, and the store deduplicates by id.
func (h *Handler) handlePostStroke(w http.ResponseWriter, r *http.Request) {
	var stroke models.Stroke
	if err := json.NewDecoder(r.Body).Decode(&stroke); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed stroke payload")
		return
	}

	ident := h.identity(r)
	stroke.UserID = ident.UserID
	if stroke.UserName == "" {
		stroke.UserName = ident.UserName
	}
	if stroke.ID == "" {
		stroke.ID = models.NewStrokeID()
	}
	if stroke.CreatedAt.IsZero() {
		stroke.CreatedAt = time.Now()
	}
	if !tile.Valid(tile.RoomID(stroke.Room)) {
		writeError(w, http.StatusBadRequest, "invalid_room", "stroke room is not a valid tile")
		return
	}
	if err := h.validate.Struct(&stroke); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_stroke", err.Error())
		return
	}
	stroke.ComputeBounds()

	if err := h.store.InsertBatch(r.Context(), []*models.Stroke{&stroke}); err != nil {
		logging.Error().Err(err).Str("stroke", stroke.ID).Msg("stroke persist failed")
		writeError(w, http.StatusInternalServerError, "persist_failed", "stroke persist failed")
		return
	}
	writeData(w, map[string]string{"id": stroke.ID})
}

// handleDeleteStroke removes a stroke its author no longer wants.
// Deleting someone else's stroke (or a missing one) is a 404; the two
// cases are deliberately indistinguishable.
func (h *Handler) handleDeleteStroke(w http.ResponseWriter, r *http.Request) {
	strokeID := chi.URLParam(r, "id")
	if strokeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "missing stroke id")
		return
	}

	ident := h.identity(r)
	ok, err := h.store.Delete(r.Context(), strokeID, ident.UserID)
	if err != nil {
		logging.Error().Err(err).Str("stroke", strokeID).Msg("stroke delete failed")
		writeError(w, http.StatusInternalServerError, "delete_failed", "stroke delete failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "stroke not found")
		return
	}
	writeData(w, map[string]string{"id": strokeID})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]interface{}{
		"status": "ok",
		"rooms":  h.registry.Rooms(),
	})
}

// identity resolves the caller from the Authorization header, degrading
// to an anonymous identity keyed by the "uid" parameter.
func (h *Handler) identity(r *http.Request) auth.Identity {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return auth.Resolve(h.validator, token, r.URL.Query().Get("uid"))
}

func parseBBox(r *http.Request) (models.BBox, bool, error) {
	q := r.URL.Query()
	raw := [4]string{q.Get("minLat"), q.Get("minLng"), q.Get("maxLat"), q.Get("maxLng")}
	present := 0
	for _, v := range raw {
		if v != "" {
			present++
		}
	}
	if present == 0 {
		return models.BBox{}, false, nil
	}
	if present != 4 {
		return models.BBox{}, false, errors.New("bounding box requires minLat, minLng, maxLat, maxLng")
	}

	var vals [4]float64
	for i, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.BBox{}, false, fmt.Errorf("bounding box value %q is not a number", v)
		}
		vals[i] = f
	}
	box := models.BBox{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if box.MinLat > box.MaxLat || box.MinLng > box.MaxLng {
		return models.BBox{}, false, errors.New("bounding box min exceeds max")
	}
	return box, true, nil
}
