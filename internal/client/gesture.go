// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package client

import (
	"errors"
	"math"
	"time"

	"github.com/mapsketch/mapsketch/internal/models"
)

// ErrEnergyExhausted ends a gesture whose energy balance hit zero.
var ErrEnergyExhausted = errors.New("energy exhausted")

// Gesture accumulates a stroke while the user draws. Energy is
// force-consumed per sampled segment: a gesture that started with
// enough balance is never truncated mid-segment, but once the balance
// reaches zero no further points are accepted.
type Gesture struct {
	client    *Client
	stroke    *models.Stroke
	zoom      float64
	exhausted bool
}

// BeginGesture starts capturing a stroke with the given brush
// parameters at the user's current map zoom.
func (c *Client) BeginGesture(brushID, color string, size, opacity, zoom float64) *Gesture {
	return &Gesture{
		client: c,
		zoom:   zoom,
		stroke: &models.Stroke{
			ID:          models.NewStrokeID(),
			BrushID:     brushID,
			Color:       color,
			Size:        size,
			Opacity:     opacity,
			CreatedZoom: zoom,
			CreatedAt:   time.Now(),
		},
	}
}

// AddPoint appends one sampled position. Returns false once energy is
// exhausted; the point is still recorded so the final segment is not
// cut short.
func (g *Gesture) AddPoint(lat, lng, pressure float64) bool {
	if g.exhausted {
		return false
	}

	p := models.Point{Lat: lat, Lng: lng, Pressure: pressure, T: time.Now().UnixMilli()}
	if gate := g.client.gate; gate != nil && len(g.stroke.Points) > 0 {
		prev := g.stroke.Points[len(g.stroke.Points)-1]
		dist := pixelDistance(prev.Lat, prev.Lng, lat, lng, g.zoom)
		cost := gate.Cost(g.stroke.Size, dist, g.zoom)
		if gate.ForceConsume(cost) <= 0 {
			g.exhausted = true
		}
	}
	g.stroke.Points = append(g.stroke.Points, p)
	return !g.exhausted
}

// End finishes the gesture and broadcasts the stroke. A gesture with
// fewer than two points is discarded without error.
func (g *Gesture) End() (*models.Stroke, error) {
	if len(g.stroke.Points) < 2 {
		return nil, nil
	}
	if err := g.client.BroadcastStroke(g.stroke); err != nil {
		return g.stroke, err
	}
	if g.exhausted {
		return g.stroke, ErrEnergyExhausted
	}
	return g.stroke, nil
}

// pixelDistance converts a geographic segment to screen pixels at the
// given zoom on the standard 256px Web Mercator grid.
func pixelDistance(lat1, lng1, lat2, lng2, zoom float64) float64 {
	scale := 256.0 * math.Exp2(zoom) / 360.0
	midLat := (lat1 + lat2) / 2.0 * math.Pi / 180.0
	dx := (lng2 - lng1) * math.Cos(midLat) * scale
	dy := (lat2 - lat1) * scale
	return math.Sqrt(dx*dx + dy*dy)
}
