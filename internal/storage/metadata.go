package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Source is an uploaded upstream document that jobs can reference
type Source struct {
	ID        string    `json:"source_id"`
	OwnerID   string    `json:"owner_id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// SourceCatalog handles SQLite operations for uploaded sources
type SourceCatalog struct {
	db *sql.DB
}

// NewSourceCatalog opens the catalog database and creates its schema
func NewSourceCatalog(dbPath string) (*SourceCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sources_created_at ON sources(created_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &SourceCatalog{db: db}, nil
}

// Save records an uploaded source
func (c *SourceCatalog) Save(ctx context.Context, src *Source) error {
	query := `
	INSERT INTO sources (source_id, owner_id, filename, path, size_bytes, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query, src.ID, src.OwnerID, src.Filename, src.Path,
		src.SizeBytes, src.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

// Get retrieves a source by ID
func (c *SourceCatalog) Get(ctx context.Context, id string) (*Source, error) {
	query := `
	SELECT source_id, owner_id, filename, path, size_bytes, created_at
	FROM sources WHERE source_id = ?
	`
	var src Source
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&src.ID, &src.OwnerID, &src.Filename, &src.Path, &src.SizeBytes, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &src, nil
}

// Locate returns the local path of a registered source
func (c *SourceCatalog) Locate(ctx context.Context, id string) (string, error) {
	src, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return src.Path, nil
}

// Exists reports whether a source is registered
func (c *SourceCatalog) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sources WHERE source_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up source: %w", err)
	}
	return n > 0, nil
}

// ListOlderThan returns sources created before cutoff
func (c *SourceCatalog) ListOlderThan(ctx context.Context, cutoff time.Time) ([]Source, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT source_id, owner_id, filename, path, size_bytes, created_at
	FROM sources WHERE created_at < ? ORDER BY created_at
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.OwnerID, &src.Filename, &src.Path, &src.SizeBytes, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Delete removes a source record
func (c *SourceCatalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM sources WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *SourceCatalog) Close() error {
	return c.db.Close()
}
