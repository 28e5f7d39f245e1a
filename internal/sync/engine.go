// Package sync delivers locally queued changes to the remote API.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
	"github.com/koalax/agent/internal/models"
	"github.com/koalax/agent/internal/notify"
	"github.com/koalax/agent/internal/uuid"
)

// Tag is the background sync tag that triggers a drain.
const Tag = "koalax-sync"

// DefaultMaxRetries is the number of failed deliveries recorded before the
// next failure drops a change.
const DefaultMaxRetries = 3

// DefaultLeaseTTL bounds how long a crashed drain keeps other processes
// from draining. The lease is renewed before every delivery.
const DefaultLeaseTTL = 2 * time.Minute

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
)

// SyncResult summarizes one drain of the pending-change store.
type SyncResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Retried   int           `json:"retried"`
	Dropped   int           `json:"dropped"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
}

// ChangeStore is the persistence the engine drains.
// *queue.Store implements it.
type ChangeStore interface {
	Add(ctx context.Context, change models.PendingChange) (*models.PendingChange, error)
	GetAll(ctx context.Context) ([]*models.PendingChange, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	Count(ctx context.Context) (int, error)
}

// Leaser is implemented by stores that several processes open at once.
// A drain runs only while its engine holds the lease.
type Leaser interface {
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

// Engine drains pending changes to a Deliverer. At most one drain runs at a
// time; changes are processed sequentially in enqueue order.
type Engine struct {
	store      ChangeStore
	deliverer  Deliverer
	notifier   notify.Notifier
	maxRetries int
	leaseTTL   time.Duration
	owner      string
	now        func() time.Time

	syncing atomic.Bool

	mu       sync.RWMutex
	last     *SyncResult
	lastSync *time.Time
	closed   bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithNotifier sets where give-up notifications go. The default logs them.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(store ChangeStore, deliverer Deliverer, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		deliverer:  deliverer,
		notifier:   notify.LogNotifier{},
		maxRetries: DefaultMaxRetries,
		leaseTTL:   DefaultLeaseTTL,
		owner:      uuid.New(),
		now:        time.Now,
	}
	e.bg, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the configured retry limit.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Enqueue persists a change and starts a drain in the background. The
// returned change is durable; it says nothing about delivery, and errors from
// the background drain are only logged. After Close it fails with
// ErrInvalidState.
func (e *Engine) Enqueue(ctx context.Context, table string, op models.Operation, data json.RawMessage) (*models.PendingChange, error) {
	if e.isClosed() {
		return nil, errors.New(errors.ErrInvalidState, "sync engine is closed")
	}
	change, err := e.store.Add(ctx, models.PendingChange{
		Table:     table,
		Operation: op,
		Data:      data,
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("change enqueued", map[string]interface{}{
		"id":        change.ID,
		"table":     change.Table,
		"operation": string(change.Operation),
	})

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		// Closed while persisting; the change waits for the next start.
		return change, nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.TriggerSync(e.bg)
	}()
	return change, nil
}

// TriggerSync drains the store once. It returns false without doing anything
// when another drain is already running, in this process or in another one
// holding the store's lease.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("sync already in progress, skipping", nil)
		return false
	}
	defer e.syncing.Store(false)

	if !e.holdLease(ctx) {
		logging.Debug("sync lease held elsewhere, skipping", map[string]interface{}{"owner": e.owner})
		return false
	}
	defer e.releaseLease(context.WithoutCancel(ctx))

	e.drain(ctx)
	return true
}

// holdLease takes or renews the store's lease. Stores that are not shared
// always succeed.
func (e *Engine) holdLease(ctx context.Context) bool {
	l, ok := e.store.(Leaser)
	if !ok {
		return true
	}
	held, err := l.AcquireLease(ctx, e.owner, e.leaseTTL)
	if err != nil {
		logging.ErrorWithCode("failed to acquire sync lease", string(errors.Code(err)), err)
		return false
	}
	return held
}

func (e *Engine) releaseLease(ctx context.Context) {
	l, ok := e.store.(Leaser)
	if !ok {
		return
	}
	if err := l.ReleaseLease(ctx, e.owner); err != nil {
		logging.ErrorWithCode("failed to release sync lease", string(errors.Code(err)), err)
	}
}

// Wait blocks until background drains started by Enqueue have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels background drains and waits for them to return. Later
// Enqueue calls fail.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Status returns whether a drain is running.
func (e *Engine) Status() SyncStatus {
	if e.syncing.Load() {
		return SyncStatusSyncing
	}
	return SyncStatusIdle
}

// LastResult returns the result of the most recent drain, or nil.
func (e *Engine) LastResult() *SyncResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// LastSync returns when the most recent drain finished without a store error.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the number of changes waiting for delivery.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	return e.store.Count(ctx)
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetried
	outcomeDropped
	outcomeFailed
)

func (e *Engine) drain(ctx context.Context) {
	result := &SyncResult{StartTime: e.now()}
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		e.last = result
		if result.Error == "" {
			end := result.EndTime
			e.lastSync = &end
		}
		e.mu.Unlock()

		logging.Info("sync completed", map[string]interface{}{
			"attempted":   result.Attempted,
			"delivered":   result.Delivered,
			"retried":     result.Retried,
			"dropped":     result.Dropped,
			"failed":      result.Failed,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}()

	changes, err := e.store.GetAll(ctx)
	if err != nil {
		logging.ErrorWithCode("failed to read pending changes", string(errors.Code(err)), err)
		result.Error = err.Error()
		return
	}

	for i, change := range changes {
		if ctx.Err() != nil {
			result.Error = ctx.Err().Error()
			return
		}
		if i > 0 && !e.holdLease(ctx) {
			logging.Warn("sync lease lost, stopping drain", map[string]interface{}{"owner": e.owner})
			result.Error = "sync lease lost"
			return
		}
		result.Attempted++
		switch e.process(ctx, change) {
		case outcomeDelivered:
			result.Delivered++
		case outcomeRetried:
			result.Retried++
		case outcomeDropped:
			result.Dropped++
		case outcomeFailed:
			result.Failed++
		}
	}
}

// process handles a single change. Nothing that happens here stops the
// drain from moving on to the next change.
func (e *Engine) process(ctx context.Context, change *models.PendingChange) (out outcome) {
	fields := map[string]interface{}{
		"id":          change.ID,
		"table":       change.Table,
		"operation":   string(change.Operation),
		"retry_count": change.RetryCount,
	}
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithCode("panic while syncing change", string(errors.ErrInternal), fmt.Errorf("%v", r), fields)
			out = outcomeFailed
		}
	}()

	derr := e.deliverer.Deliver(ctx, change)
	if derr == nil {
		if err := e.store.Remove(ctx, change.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			logging.ErrorWithCode("failed to remove delivered change", string(errors.Code(err)), err, fields)
			return outcomeFailed
		}
		logging.Debug("change delivered", fields)
		return outcomeDelivered
	}
	if ctx.Err() != nil {
		// Shutting down; the attempt does not count.
		return outcomeFailed
	}

	if change.RetryCount >= e.maxRetries {
		logging.ErrorWithCode("giving up on change", string(errors.ErrSyncRetriesExhausted), derr, fields)
		if err := e.store.Remove(ctx, change.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			logging.ErrorWithCode("failed to remove exhausted change", string(errors.Code(err)), err, fields)
			return outcomeFailed
		}
		e.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Title:   "Sync failed",
			Message: fmt.Sprintf("Failed to sync %s on %s", change.Operation, change.Table),
			Time:    e.now(),
		})
		return outcomeDropped
	}

	n, err := e.store.IncrementRetry(ctx, change.ID)
	if err != nil {
		logging.ErrorWithCode("failed to record delivery failure", string(errors.Code(err)), err, fields)
		return outcomeFailed
	}
	fields["retry_count"] = n
	fields["error"] = derr.Error()
	logging.Warn("change delivery failed, will retry", fields)
	return outcomeRetried
}
