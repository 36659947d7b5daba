// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package spatial indexes strokes by geographic bounding box for
// sublinear viewport queries.
//
// The index is a spatial hash grid: space is divided into fixed-size
// cells and each stroke is registered in every cell its bounds overlap.
// A query only inspects the cells overlapped by the query box, reducing
// O(n) scans to O(k) where k is the number of strokes near the viewport.
//
// The index is always query-consistent with its own writes: a query
// issued after Add or Remove returns observes that write.
package spatial

import (
	"math"
	"sync"

	"github.com/mapsketch/mapsketch/internal/models"
)

// DefaultCellSizeDeg is the grid cell size in degrees. At roughly 1.1 km
// per 0.01 degree, the default keeps a zoom-14 room spread over a
// handful of cells.
const DefaultCellSizeDeg = 0.01

// CellKey addresses one grid cell.
type CellKey struct {
	X, Y int
}

type entry struct {
	stroke *models.Stroke
	cells  []CellKey // cached for O(cells) removal
}

// Index is a grid-backed bounding-box index of strokes.
//
// All methods are safe for concurrent use; the room server queries the
// index from HTTP handlers while the sync path inserts into it.
type Index struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[CellKey]map[string]*entry
	entries  map[string]*entry
}

// New creates an index with the given cell size in degrees.
// Non-positive values fall back to DefaultCellSizeDeg.
func New(cellSizeDeg float64) *Index {
	if cellSizeDeg <= 0 {
		cellSizeDeg = DefaultCellSizeDeg
	}
	return &Index{
		cellSize: cellSizeDeg,
		cells:    make(map[CellKey]map[string]*entry),
		entries:  make(map[string]*entry),
	}
}

// Add inserts a stroke keyed by its id. Adding an id that is already
// present is a no-op, so duplicate delivery of the same stroke never
// duplicates state.
func (ix *Index) Add(s *models.Stroke) {
	if s == nil || s.ID == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(s)
}

// BulkLoad inserts many strokes under a single lock acquisition. Used
// for initial viewport hydration, where it beats N individual Adds by
// avoiding per-stroke lock churn.
func (ix *Index) BulkLoad(strokes []*models.Stroke) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, s := range strokes {
		if s == nil || s.ID == "" {
			continue
		}
		ix.addLocked(s)
	}
}

func (ix *Index) addLocked(s *models.Stroke) {
	if _, exists := ix.entries[s.ID]; exists {
		return
	}
	cells := ix.cellsFor(s.Bounds)
	e := &entry{stroke: s, cells: cells}
	for _, key := range cells {
		cell, ok := ix.cells[key]
		if !ok {
			cell = make(map[string]*entry, 4)
			ix.cells[key] = cell
		}
		cell[s.ID] = e
	}
	ix.entries[s.ID] = e
}

// Remove deletes a stroke by id and reports whether it was present.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		return false
	}
	for _, key := range e.cells {
		cell := ix.cells[key]
		delete(cell, id)
		if len(cell) == 0 {
			delete(ix.cells, key)
		}
	}
	delete(ix.entries, id)
	return true
}

// Get returns the stroke with the given id, if present.
func (ix *Index) Get(id string) (*models.Stroke, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	if !ok {
		return nil, false
	}
	return e.stroke, true
}

// Contains reports whether a stroke with the given id is indexed.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.entries[id]
	return ok
}

// QueryBounds returns every stroke whose bounds intersect the query box.
// Results are deduplicated; order is unspecified.
func (ix *Index) QueryBounds(box models.BBox) []*models.Stroke {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	var results []*models.Stroke

	minX, minY := ix.cellCoords(box.MinLat, box.MinLng)
	maxX, maxY := ix.cellCoords(box.MaxLat, box.MaxLng)
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			cell, ok := ix.cells[CellKey{X: x, Y: y}]
			if !ok {
				continue
			}
			for id, e := range cell {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				// Cell overlap is necessary but not sufficient.
				if e.stroke.Bounds.Intersects(box) {
					results = append(results, e.stroke)
				}
			}
		}
	}
	return results
}

// Size returns the number of indexed strokes.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Clear removes all strokes, e.g. when the client switches rooms.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cells = make(map[CellKey]map[string]*entry)
	ix.entries = make(map[string]*entry)
}

func (ix *Index) cellCoords(lat, lng float64) (x, y int) {
	return int(math.Floor(lng / ix.cellSize)), int(math.Floor(lat / ix.cellSize))
}

func (ix *Index) cellsFor(box models.BBox) []CellKey {
	minX, minY := ix.cellCoords(box.MinLat, box.MinLng)
	maxX, maxY := ix.cellCoords(box.MaxLat, box.MaxLng)
	keys := make([]CellKey, 0, (maxX-minX+1)*(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			keys = append(keys, CellKey{X: x, Y: y})
		}
	}
	return keys
}
