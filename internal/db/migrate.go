package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migrations holds the agent schema: pending changes, cache buckets, push
// subscriptions and the sync lease.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Migrate applies the embedded schema to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	return NewMigrator(db, Migrations, "migrations").Up(ctx)
}

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	dir string
}

// NewMigrator creates a Migrator reading V{n}__{description}.up.sql and
// .down.sql files from dir inside src.
func NewMigrator(db *sql.DB, src fs.FS, dir string) *Migrator {
	return &Migrator{
		db:  db,
		src: src,
		dir: dir,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// AppliedMigrations returns all applied migrations.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// files lists the migration files with the given suffix sorted by version.
func (m *Migrator) files(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.src, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		// V1__pending_changes.up.sql
		parts := strings.SplitN(strings.TrimSuffix(entry.Name(), suffix), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}
		out = append(out, migrationFile{version: version, name: entry.Name(), description: parts[1]})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].version < out[j].version
	})
	return out, nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Up initializes the tracking table and applies all pending migrations.
// An applied migration whose file content changed is reported as an error.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}

	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedSums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedSums[mig.Version] = mig.Checksum
	}

	files, err := m.files(".up.sql")
	if err != nil {
		return err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.src, path.Join(m.dir, f.name))
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
		if sum, ok := appliedSums[f.version]; ok {
			if sum != checksum(content) {
				return fmt.Errorf("migration V%d was modified after being applied", f.version)
			}
			continue
		}
		if err := m.apply(ctx, f, content); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}
	return nil
}

// apply applies a single migration. The version row is claimed first, so
// the transaction holds the write lock before the schema is touched; a
// migration another connection applied in the meantime is skipped.
func (m *Migrator) apply(ctx context.Context, f migrationFile, content []byte) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT OR IGNORE INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, f.version, time.Now().Unix(), f.description, checksum(content))
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	files, err := m.files(".down.sql")
	if err != nil {
		return err
	}
	var down *migrationFile
	for i := range files {
		if files[i].version == current {
			down = &files[i]
			break
		}
	}
	if down == nil {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.src, path.Join(m.dir, down.name))
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
