// Package db provides the agent's local SQLite database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "koalax.db"

// DB wraps the sql.DB with the agent's connection settings.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (creating if absent) the agent database in dataDir.
// The database is opened with:
// - WAL mode so readers never block the sync writer
// - Foreign key constraints enabled
// - A busy timeout so concurrent transactions wait instead of failing
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
