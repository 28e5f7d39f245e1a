package sync

import (
	"context"
	"time"
)

// SyncEngineInterface is what the scheduler and controller need from an
// engine. It allows alternative implementations in tests.
type SyncEngineInterface interface {
	// TriggerSync drains pending changes once. It returns false if a drain
	// was already running.
	TriggerSync(ctx context.Context) bool

	// Status returns the current sync status.
	Status() SyncStatus

	// LastResult returns the result of the most recent drain, or nil.
	LastResult() *SyncResult

	// LastSync returns when the last successful drain finished.
	LastSync() *time.Time

	// PendingChanges returns the number of changes waiting for delivery.
	PendingChanges(ctx context.Context) (int, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
