package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/koalax/agent/internal/db"
	"github.com/koalax/agent/internal/errors"
)

// Storage is a set of named buckets of request/response pairs.
type Storage interface {
	// Open creates the bucket if it does not exist.
	Open(ctx context.Context, name string) error
	// Has reports whether the bucket exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a bucket and everything in it. It reports whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Put stores resp under key in the named bucket, creating the bucket if needed.
	Put(ctx context.Context, name, key string, resp *Response) error
	// Match looks key up in one bucket.
	Match(ctx context.Context, name, key string) (*Response, bool, error)
	// MatchAny looks key up in every bucket, oldest bucket first.
	MatchAny(ctx context.Context, key string) (*Response, bool, error)
}

// SQLStorage keeps buckets in the agent's SQLite database.
type SQLStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStorage applies the agent schema, which holds the bucket tables.
func NewSQLStorage(ctx context.Context, sqlDB *sql.DB) (*SQLStorage, error) {
	if err := db.Migrate(ctx, sqlDB); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to create cache tables", err)
	}
	return &SQLStorage{db: sqlDB, now: time.Now}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStorage) open(ctx context.Context, ex execer, name string) error {
	_, err := ex.ExecContext(ctx, "INSERT OR IGNORE INTO cache_buckets (name, created_at) VALUES (?, ?)", name, s.now().UnixNano())
	return err
}

func (s *SQLStorage) Open(ctx context.Context, name string) error {
	if err := s.open(ctx, s.db, name); err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to open cache %s", name), err)
	}
	return nil
}

func (s *SQLStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_buckets WHERE name = ?", name).Scan(&n); err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to look up cache", err)
	}
	return n > 0, nil
}

func (s *SQLStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_buckets ORDER BY created_at, name")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list caches", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to list caches", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Entries are removed explicitly so deletion does not depend on the
	// connection's foreign_keys setting.
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_name = ?", name); err != nil {
		return false, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to delete cache %s", name), err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM cache_buckets WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to delete cache %s", name), err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to commit cache deletion", err)
	}
	return n > 0, nil
}

func (s *SQLStorage) Put(ctx context.Context, name, key string, resp *Response) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.open(ctx, tx, name); err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to open cache %s", name), err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO cache_entries
		(cache_name, request_key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
		name, key, resp.StatusCode, string(header), body, s.now().UnixNano()); err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to store %s in %s", key, name), err)
	}
	return tx.Commit()
}

func (s *SQLStorage) Match(ctx context.Context, name, key string) (*Response, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, header, body, stored_at FROM cache_entries
		WHERE cache_name = ? AND request_key = ?`, name, key)
	return scanResponse(row)
}

func (s *SQLStorage) MatchAny(ctx context.Context, key string) (*Response, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT e.status, e.header, e.body, e.stored_at
		FROM cache_entries e JOIN cache_buckets b ON b.name = e.cache_name
		WHERE e.request_key = ?
		ORDER BY b.created_at, b.name LIMIT 1`, key)
	return scanResponse(row)
}

func scanResponse(row *sql.Row) (*Response, bool, error) {
	var (
		resp     Response
		header   string
		storedAt int64
	)
	err := row.Scan(&resp.StatusCode, &header, &resp.Body, &storedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "failed to read cache entry", err)
	}
	resp.Header = make(http.Header)
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached headers: %w", err)
	}
	resp.StoredAt = time.Unix(0, storedAt)
	return &resp, true, nil
}
