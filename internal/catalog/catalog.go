// Package catalog keeps a local SQLite history of finalized chunks so the
// status command can answer what was captured and what has shipped. It is
// advisory: failures here never block capture or upload.
package catalog

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Chunk is one catalog row.
type Chunk struct {
	ID         string
	Kind       string
	Source     string
	StartedAt  time.Time
	EndedAt    time.Time
	Size       int64
	Checksum   string
	UploadedAt *time.Time
}

// Store manages the chunk history database.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    source      TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    ended_at    TEXT NOT NULL,
    size        INTEGER NOT NULL,
    checksum    TEXT NOT NULL,
    uploaded_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_chunks_ended_at ON chunks(ended_at DESC);
`

// Open initializes or connects to the catalog database in the given
// directory.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "catalog.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordChunk inserts one finalized chunk. Re-recording an id overwrites it.
func (s *Store) RecordChunk(id, kind, source string, startedAt, endedAt time.Time, size int64, checksum string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chunks (id, kind, source, started_at, ended_at, size, checksum, uploaded_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		id, kind, source,
		startedAt.UTC().Format(time.RFC3339Nano),
		endedAt.UTC().Format(time.RFC3339Nano),
		size, checksum,
	)
	if err != nil {
		return fmt.Errorf("record chunk: %w", err)
	}
	return nil
}

// MarkUploaded stamps a chunk as confirmed by the server.
func (s *Store) MarkUploaded(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET uploaded_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// RecentChunks returns the newest chunks first.
func (s *Store) RecentChunks(limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, kind, source, started_at, ended_at, size, checksum, uploaded_at
         FROM chunks ORDER BY ended_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		var startedAt, endedAt string
		var uploadedAt sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.Kind, &chunk.Source, &startedAt, &endedAt, &chunk.Size, &chunk.Checksum, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunk.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		chunk.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
		if uploadedAt.Valid {
			if at, err := time.Parse(time.RFC3339Nano, uploadedAt.String); err == nil {
				chunk.UploadedAt = &at
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// Counts returns total and uploaded chunk counts.
func (s *Store) Counts() (total, uploaded int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(1), COUNT(uploaded_at) FROM chunks`)
	if err := row.Scan(&total, &uploaded); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return total, uploaded, nil
}
