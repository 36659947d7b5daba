// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package spatial

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mapsketch/mapsketch/internal/models"
)

func testStroke(id string, minLat, minLng, maxLat, maxLng float64) *models.Stroke {
	return &models.Stroke{
		ID: id,
		Points: []models.Point{
			{Lat: minLat, Lng: minLng},
			{Lat: maxLat, Lng: maxLng},
		},
		Bounds: models.BBox{MinLat: minLat, MinLng: minLng, MaxLat: maxLat, MaxLng: maxLng},
	}
}

func TestIndex_AddAndQuery(t *testing.T) {
	ix := New(0.01)
	s := testStroke("s1", 52.5200, 13.4050, 52.5201, 13.4051)
	ix.Add(s)

	got := ix.QueryBounds(models.BBox{MinLat: 52.51, MinLng: 13.40, MaxLat: 52.53, MaxLng: 13.41})
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("Expected [s1], got %v", got)
	}
}

func TestIndex_QueryExcludesNonIntersecting(t *testing.T) {
	ix := New(0.01)
	ix.Add(testStroke("s1", 52.52, 13.40, 52.53, 13.41))
	ix.Add(testStroke("s2", 48.85, 2.35, 48.86, 2.36))

	got := ix.QueryBounds(models.BBox{MinLat: 52.0, MinLng: 13.0, MaxLat: 53.0, MaxLng: 14.0})
	if len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("Expected only s1, got %d strokes", len(got))
	}
}

func TestIndex_RemoveExcludesImmediately(t *testing.T) {
	ix := New(0.01)
	s := testStroke("s1", 52.52, 13.40, 52.53, 13.41)
	box := models.BBox{MinLat: 52.0, MinLng: 13.0, MaxLat: 53.0, MaxLng: 14.0}

	ix.Add(s)
	if len(ix.QueryBounds(box)) != 1 {
		t.Fatal("Expected stroke before removal")
	}
	if !ix.Remove("s1") {
		t.Fatal("Expected Remove to report true")
	}
	if len(ix.QueryBounds(box)) != 0 {
		t.Error("Expected no strokes after removal")
	}
	if ix.Remove("s1") {
		t.Error("Expected second Remove to report false")
	}
}

func TestIndex_AddIdempotentOnID(t *testing.T) {
	ix := New(0.01)
	s := testStroke("s1", 52.52, 13.40, 52.53, 13.41)
	ix.Add(s)
	ix.Add(s)
	ix.Add(testStroke("s1", 52.52, 13.40, 52.53, 13.41))

	if ix.Size() != 1 {
		t.Errorf("Expected size 1 after duplicate adds, got %d", ix.Size())
	}
	box := models.BBox{MinLat: 52.0, MinLng: 13.0, MaxLat: 53.0, MaxLng: 14.0}
	if got := ix.QueryBounds(box); len(got) != 1 {
		t.Errorf("Expected 1 result after duplicate adds, got %d", len(got))
	}
}

func TestIndex_StrokeSpanningManyCells(t *testing.T) {
	ix := New(0.01)
	// A stroke spanning ~10 cells in each direction.
	ix.Add(testStroke("wide", 52.50, 13.40, 52.60, 13.50))

	// Query a small box in the middle of the stroke's bounds.
	got := ix.QueryBounds(models.BBox{MinLat: 52.55, MinLng: 13.45, MaxLat: 52.551, MaxLng: 13.451})
	if len(got) != 1 {
		t.Fatalf("Expected wide stroke from mid-bounds query, got %d results", len(got))
	}

	// Dedup: a query covering the whole stroke must return it once.
	got = ix.QueryBounds(models.BBox{MinLat: 52.0, MinLng: 13.0, MaxLat: 53.0, MaxLng: 14.0})
	if len(got) != 1 {
		t.Errorf("Expected deduplicated result, got %d", len(got))
	}
}

func TestIndex_BulkLoadEquivalentToAdds(t *testing.T) {
	var strokes []*models.Stroke
	for i := 0; i < 50; i++ {
		lat := 52.0 + float64(i)*0.001
		strokes = append(strokes, testStroke(fmt.Sprintf("s%d", i), lat, 13.0, lat+0.0005, 13.001))
	}

	bulk := New(0.01)
	bulk.BulkLoad(strokes)

	seq := New(0.01)
	for _, s := range strokes {
		seq.Add(s)
	}

	box := models.BBox{MinLat: 52.0, MinLng: 12.9, MaxLat: 52.1, MaxLng: 13.1}
	if got, want := len(bulk.QueryBounds(box)), len(seq.QueryBounds(box)); got != want {
		t.Errorf("BulkLoad query returned %d, sequential adds returned %d", got, want)
	}
	if bulk.Size() != seq.Size() {
		t.Errorf("Size mismatch: bulk=%d seq=%d", bulk.Size(), seq.Size())
	}
}

func TestIndex_Clear(t *testing.T) {
	ix := New(0.01)
	ix.Add(testStroke("s1", 52.52, 13.40, 52.53, 13.41))
	ix.Clear()
	if ix.Size() != 0 {
		t.Errorf("Expected empty index after Clear, size=%d", ix.Size())
	}
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	ix := New(0.01)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("g%d-s%d", g, i)
				lat := 52.0 + float64(i)*0.0001
				ix.Add(testStroke(id, lat, 13.0, lat+0.0001, 13.0001))
				ix.QueryBounds(models.BBox{MinLat: 52.0, MinLng: 12.9, MaxLat: 52.1, MaxLng: 13.1})
				if i%3 == 0 {
					ix.Remove(id)
				}
			}
		}(g)
	}
	wg.Wait()
}
