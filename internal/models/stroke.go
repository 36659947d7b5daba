// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package models defines the core data types shared between the room
// server, the sync client, and the durable store: strokes, bounding
// boxes, draw events, and the wire envelope.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Point is a single sampled position in a stroke: geographic
// coordinates plus pen pressure and a capture timestamp (unix ms).
type Point struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Pressure float64 `json:"pressure"`
	T        int64   `json:"t"`
}

// BBox is a geographic bounding box. Min/Max are inclusive.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Intersects reports whether two boxes overlap (touching edges count).
func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat &&
		b.MinLng <= o.MaxLng && b.MaxLng >= o.MinLng
}

// Contains reports whether the point lies inside the box.
func (b BBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Extend grows the box to include the point.
func (b BBox) Extend(lat, lng float64) BBox {
	if lat < b.MinLat {
		b.MinLat = lat
	}
	if lat > b.MaxLat {
		b.MaxLat = lat
	}
	if lng < b.MinLng {
		b.MinLng = lng
	}
	if lng > b.MaxLng {
		b.MaxLng = lng
	}
	return b
}

// Stroke is an immutable, geo-anchored vector drawing unit authored by
// one user. Strokes are only ever added or logically removed; fields are
// never mutated by other users after creation.
type Stroke struct {
	ID          string    `json:"id" validate:"required"`
	Room        string    `json:"room,omitempty"`
	UserID      string    `json:"userId" validate:"required"`
	UserName    string    `json:"userName"`
	BrushID     string    `json:"brushId"`
	Color       string    `json:"color"`
	Opacity     float64   `json:"opacity" validate:"gte=0,lte=1"`
	Size        float64   `json:"size" validate:"gt=0"`
	Points      []Point   `json:"points" validate:"min=1,dive"`
	Bounds      BBox      `json:"bounds"`
	CreatedZoom float64   `json:"createdZoom"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewStrokeID returns a time-ordered unique stroke id. The millisecond
// prefix keeps ids sortable by creation time; the uuid suffix keeps them
// globally unique under concurrent authoring.
func NewStrokeID() string {
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ComputeBounds recalculates Bounds from Points. A stroke with no points
// keeps its zero bounds.
func (s *Stroke) ComputeBounds() {
	if len(s.Points) == 0 {
		return
	}
	b := BBox{
		MinLat: s.Points[0].Lat, MaxLat: s.Points[0].Lat,
		MinLng: s.Points[0].Lng, MaxLng: s.Points[0].Lng,
	}
	for _, p := range s.Points[1:] {
		b = b.Extend(p.Lat, p.Lng)
	}
	s.Bounds = b
}
