// Package catalog indexes finished recordings in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Recording describes one finished recording file.
type Recording struct {
	ID        string        `json:"id"`
	CameraID  string        `json:"camera_id"`
	Path      string        `json:"path"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Frames    uint64        `json:"frames"`
	Dropped   uint64        `json:"dropped"`
	Bytes     int64         `json:"bytes"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
}

// Catalog handles the recordings database
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path and migrates it.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Recorder and viewer share the file across processes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			path TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			width INTEGER,
			height INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera_time ON recordings(camera_id, started_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := c.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// NewID returns a fresh recording id.
func NewID() string { return uuid.NewString() }

// Save stores rec, assigning an id when it has none.
func (c *Catalog) Save(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO recordings (id, camera_id, path, started_at, duration_ms, frames, dropped, bytes, width, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			duration_ms = excluded.duration_ms,
			frames = excluded.frames,
			dropped = excluded.dropped,
			bytes = excluded.bytes`,
		rec.ID, rec.CameraID, rec.Path, rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
		int64(rec.Frames), int64(rec.Dropped), rec.Bytes, rec.Width, rec.Height)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// List returns the most recent recordings of cameraID, newest first. An empty
// cameraID lists every camera.
func (c *Catalog) List(ctx context.Context, cameraID string, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, camera_id, path, started_at, duration_ms, frames, dropped, bytes, width, height
		FROM recordings`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var rec Recording
		var durMs, frames, dropped int64
		var width, height sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.CameraID, &rec.Path, &rec.StartedAt, &durMs,
			&frames, &dropped, &rec.Bytes, &width, &height); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		rec.Duration = time.Duration(durMs) * time.Millisecond
		rec.Frames = uint64(frames)
		rec.Dropped = uint64(dropped)
		rec.Width = int(width.Int64)
		rec.Height = int(height.Int64)
		out = append(out, rec)
	}
	return out, rows.Err()
}
