// Package queue provides the durable store of pending changes waiting to be
// delivered to the remote API.
package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/koalax/agent/internal/db"
	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/models"
	"github.com/koalax/agent/internal/uuid"
)

// Store persists pending changes in the pending_changes table.
// Every method runs in its own statement or transaction, so a change is
// durable as soon as the call returns.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over an open database. Call Init before use.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{
		db:  sqlDB,
		now: time.Now,
	}
}

// Init applies the store schema. It is safe to call more than once.
func (s *Store) Init(ctx context.Context) error {
	if err := db.Migrate(ctx, s.db); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to initialize pending-change store", err)
	}
	return nil
}

// Add assigns an id, timestamp and zero retry count to change and persists it.
// The caller's value is not modified; the stored copy is returned.
func (s *Store) Add(ctx context.Context, change models.PendingChange) (*models.PendingChange, error) {
	if err := change.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid pending change", err)
	}

	stored := change
	stored.ID = uuid.New()
	stored.Timestamp = s.now().UnixMilli()
	stored.RetryCount = 0
	if len(stored.Data) == 0 {
		stored.Data = []byte("null")
	}

	query := `INSERT INTO pending_changes (id, timestamp, table_name, operation, data, retry_count)
			  VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		stored.ID, stored.Timestamp, stored.Table, stored.Operation, []byte(stored.Data), stored.RetryCount); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to persist pending change", err)
	}
	return &stored, nil
}

// GetAll returns every persisted change in insertion order.
func (s *Store) GetAll(ctx context.Context) ([]*models.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, table_name, operation, data, retry_count
		FROM pending_changes ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending changes", err)
	}
	defer rows.Close()

	var out []*models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan pending change", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending changes", err)
	}
	return out, nil
}

// Get returns a single change.
func (s *Store) Get(ctx context.Context, id string) (*models.PendingChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, timestamp, table_name, operation, data, retry_count
		FROM pending_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("pending change %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get pending change", err)
	}
	return c, nil
}

// Remove deletes a change by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove pending change", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("pending change %s not found", id))
	}
	return nil
}

// IncrementRetry bumps the retry count of one change and returns the new value.
// The read-modify-write runs in a single transaction.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE pending_changes SET retry_count = retry_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to increment retry count", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, errors.New(errors.ErrNotFound, fmt.Sprintf("pending change %s not found", id))
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT retry_count FROM pending_changes WHERE id = ?", id).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read retry count", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to commit retry count", err)
	}
	return count, nil
}

// Count returns the number of queued changes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_changes").Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count pending changes", err)
	}
	return n, nil
}

// AcquireLease claims the sync lease for owner until ttl from now. The
// holder may renew it; any owner may take it once it has expired. The claim
// is a single statement, so it is atomic across processes sharing the
// database file.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?`,
		owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to acquire sync lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to acquire sync lease", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the sync lease if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_lease WHERE owner = ?", owner); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to release sync lease", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*models.PendingChange, error) {
	var c models.PendingChange
	var data []byte
	if err := row.Scan(&c.ID, &c.Timestamp, &c.Table, &c.Operation, &data, &c.RetryCount); err != nil {
		return nil, err
	}
	c.Data = data
	return &c, nil
}
