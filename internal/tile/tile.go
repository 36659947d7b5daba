// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package tile maps geographic coordinates to collaboration rooms.
//
// Rooms are Web Mercator (EPSG:3857) grid cells at a fixed baseline zoom
// level. A RoomID is the slippy-map tile coordinate "z/x/y" containing a
// point, so every location on the planet maps deterministically to
// exactly one room.
package tile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mapsketch/mapsketch/internal/models"
)

// BaseZoom is the baseline zoom level at which the planet is partitioned
// into rooms. Zoom 14 tiles are roughly 2.4 km wide at the equator,
// which keeps a busy city block and its surroundings in one room.
const BaseZoom = 14

// RoomID identifies one collaboration room ("14/8185/5448").
type RoomID string

// ErrInvalidRoomID rejects identifiers that are not well-formed tile
// coordinates.
var ErrInvalidRoomID = errors.New("invalid room id")

// maxWebMercatorLat is the latitude bound of the Web Mercator projection.
const maxWebMercatorLat = 85.05112878

// FromCoords returns the room containing the given point at BaseZoom.
func FromCoords(lat, lng float64) RoomID {
	return FromCoordsAtZoom(lat, lng, BaseZoom)
}

// FromCoordsAtZoom quantizes a point to the tile grid at the given zoom.
// Latitude is clamped to the Web Mercator domain; longitude is wrapped
// to [-180, 180).
func FromCoordsAtZoom(lat, lng float64, zoom int) RoomID {
	lat = math.Max(-maxWebMercatorLat, math.Min(maxWebMercatorLat, lat))
	lng = wrapLng(lng)

	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lng + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n))

	// Clamp to valid tile range for points exactly on the antimeridian
	// or projection poles.
	max := int(n) - 1
	if x > max {
		x = max
	}
	if y > max {
		y = max
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}

	return RoomID(fmt.Sprintf("%d/%d/%d", zoom, x, y))
}

// Parse splits a RoomID into tile coordinates.
func Parse(id RoomID) (z, x, y int, err error) {
	parts := strings.Split(string(id), "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed room id %q", id)
	}
	if z, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed room id %q: %w", id, err)
	}
	if x, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed room id %q: %w", id, err)
	}
	if y, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed room id %q: %w", id, err)
	}
	if z < 0 || z > 22 || x < 0 || y < 0 {
		return 0, 0, 0, fmt.Errorf("room id %q out of range", id)
	}
	n := 1 << z
	if x >= n || y >= n {
		return 0, 0, 0, fmt.Errorf("room id %q out of range", id)
	}
	return z, x, y, nil
}

// Valid reports whether id is a well-formed tile coordinate.
func Valid(id RoomID) bool {
	_, _, _, err := Parse(id)
	return err == nil
}

// Bounds returns the geographic bounding box of a room's tile.
func Bounds(id RoomID) (models.BBox, error) {
	z, x, y, err := Parse(id)
	if err != nil {
		return models.BBox{}, err
	}

	n := math.Exp2(float64(z))
	minLng := float64(x)/n*360.0 - 180.0
	maxLng := float64(x+1)/n*360.0 - 180.0
	minLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y+1)/n)))
	maxLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))

	return models.BBox{
		MinLat: minLatRad * 180.0 / math.Pi,
		MinLng: minLng,
		MaxLat: maxLatRad * 180.0 / math.Pi,
		MaxLng: maxLng,
	}, nil
}

func wrapLng(lng float64) float64 {
	for lng >= 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
