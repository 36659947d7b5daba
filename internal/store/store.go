// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package store persists strokes durably in DuckDB. Strokes arrive in
// batches from the persistence batcher and are read back by the REST
// layer for room bootstrap and bounding-box queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/mapsketch/mapsketch/internal/logging"
	"github.com/mapsketch/mapsketch/internal/models"
)

// StrokeStore is the durable persistence contract. Implemented by DB;
// the batcher and API layers accept the interface so tests can
// substitute fakes.
type StrokeStore interface {
	InsertBatch(ctx context.Context, strokes []*models.Stroke) error
	QueryRoom(ctx context.Context, room string, limit int) ([]*models.Stroke, error)
	QueryBounds(ctx context.Context, room string, box models.BBox, limit int) ([]*models.Stroke, error)
	Delete(ctx context.Context, strokeID, userID string) (bool, error)
	Count(ctx context.Context, room string) (int, error)
}

// Config tunes the DuckDB connection.
type Config struct {
	// Path of the database file. Empty means in-memory, used by tests.
	Path string `koanf:"path"`

	// Threads for the DuckDB engine. Zero means NumCPU.
	Threads int `koanf:"threads"`

	// MaxMemory caps engine memory use ("512MB"). Empty uses the
	// engine default.
	MaxMemory string `koanf:"max_memory"`

	// QueryLimit bounds rows returned per read when the caller asks
	// for no explicit limit. Default: 5000.
	QueryLimit int `koanf:"query_limit"`
}

const defaultQueryLimit = 5000

// DB wraps the DuckDB connection.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// New opens (or creates) the stroke database and initializes the schema.
func New(cfg Config) (*DB, error) {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = defaultQueryLimit
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	// Disable auto-install/auto-load to prevent hangs in restricted
	// network environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, cfg.Threads)
	if cfg.MaxMemory != "" {
		connStr += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open stroke database: %w", err)
	}

	// DuckDB is embedded; a single writer connection avoids write-write
	// conflicts between batch flushes.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize stroke schema: %w", err)
	}

	logging.Info().Str("path", path).Msg("stroke store opened")
	return db, nil
}

func (db *DB) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS strokes (
			id           VARCHAR PRIMARY KEY,
			room         VARCHAR NOT NULL,
			user_id      VARCHAR NOT NULL,
			user_name    VARCHAR,
			brush_id     VARCHAR,
			color        VARCHAR,
			opacity      DOUBLE,
			size         DOUBLE,
			created_zoom DOUBLE,
			created_at   TIMESTAMP NOT NULL,
			min_lat      DOUBLE NOT NULL,
			min_lng      DOUBLE NOT NULL,
			max_lat      DOUBLE NOT NULL,
			max_lng      DOUBLE NOT NULL,
			points       VARCHAR NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_strokes_room ON strokes(room);
		CREATE INDEX IF NOT EXISTS idx_strokes_room_created ON strokes(room, created_at);
	`)
	return err
}

// InsertBatch writes a batch of strokes in one transaction. Re-delivered
// strokes (same id) are ignored, which makes at-least-once delivery from
// the batcher and the offline queue safe.
func (db *DB) InsertBatch(ctx context.Context, strokes []*models.Stroke) error {
	if len(strokes) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stroke batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO strokes
			(id, room, user_id, user_name, brush_id, color, opacity, size,
			 created_zoom, created_at, min_lat, min_lng, max_lat, max_lng, points)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stroke insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range strokes {
		points, err := json.Marshal(s.Points)
		if err != nil {
			return fmt.Errorf("failed to encode points for stroke %s: %w", s.ID, err)
		}
		bounds := s.Bounds
		if bounds == (models.BBox{}) && len(s.Points) > 0 {
			tmp := *s
			tmp.ComputeBounds()
			bounds = tmp.Bounds
		}
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.Room, s.UserID, s.UserName, s.BrushID, s.Color,
			s.Opacity, s.Size, s.CreatedZoom, s.CreatedAt.UTC(),
			bounds.MinLat, bounds.MinLng, bounds.MaxLat, bounds.MaxLng,
			string(points),
		); err != nil {
			return fmt.Errorf("failed to insert stroke %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stroke batch: %w", err)
	}
	return nil
}

const selectColumns = `
	id, room, user_id, user_name, brush_id, color, opacity, size,
	created_zoom, created_at, min_lat, min_lng, max_lat, max_lng, points`

// QueryRoom returns a room's strokes in creation order, oldest first,
// for room bootstrap.
func (db *DB) QueryRoom(ctx context.Context, room string, limit int) ([]*models.Stroke, error) {
	if limit <= 0 {
		limit = db.cfg.QueryLimit
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM strokes
		WHERE room = ?
		ORDER BY created_at, id
		LIMIT ?
	`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room strokes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrokes(rows)
}

// QueryBounds returns a room's strokes whose bounding box intersects
// the given box.
func (db *DB) QueryBounds(ctx context.Context, room string, box models.BBox, limit int) ([]*models.Stroke, error) {
	if limit <= 0 {
		limit = db.cfg.QueryLimit
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM strokes
		WHERE room = ?
		  AND max_lat >= ? AND min_lat <= ?
		  AND max_lng >= ? AND min_lng <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, room, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query strokes by bounds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrokes(rows)
}

// Delete removes a stroke if userID is its author. Returns false when
// the stroke does not exist or belongs to someone else.
func (db *DB) Delete(ctx context.Context, strokeID, userID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM strokes WHERE id = ? AND user_id = ?`, strokeID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete stroke %s: %w", strokeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of strokes stored for a room.
func (db *DB) Count(ctx context.Context, room string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strokes WHERE room = ?`, room).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count room strokes: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func scanStrokes(rows *sql.Rows) ([]*models.Stroke, error) {
	var out []*models.Stroke
	for rows.Next() {
		var (
			s         models.Stroke
			userName  sql.NullString
			brushID   sql.NullString
			color     sql.NullString
			opacity   sql.NullFloat64
			size      sql.NullFloat64
			zoom      sql.NullFloat64
			createdAt time.Time
			points    string
		)
		if err := rows.Scan(
			&s.ID, &s.Room, &s.UserID, &userName, &brushID, &color,
			&opacity, &size, &zoom, &createdAt,
			&s.Bounds.MinLat, &s.Bounds.MinLng, &s.Bounds.MaxLat, &s.Bounds.MaxLng,
			&points,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stroke row: %w", err)
		}
		s.UserName = userName.String
		s.BrushID = brushID.String
		s.Color = color.String
		s.Opacity = opacity.Float64
		s.Size = size.Float64
		s.CreatedZoom = zoom.Float64
		s.CreatedAt = createdAt
		if err := json.Unmarshal([]byte(points), &s.Points); err != nil {
			return nil, fmt.Errorf("failed to decode points for stroke %s: %w", s.ID, err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stroke row iteration failed: %w", err)
	}
	return out, nil
}
