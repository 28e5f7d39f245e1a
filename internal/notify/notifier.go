// Package notify delivers user-visible notifications and carries the
// WebSocket control channel between the agent and its host page.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/koalax/agent/internal/logging"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a message shown to the user.
type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier shows notifications. Implementations must not block for long and
// must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, n Notification) {
	fields := map[string]interface{}{"title": n.Title}
	if n.Level == LevelError {
		logging.Warn(n.Message, fields)
		return
	}
	logging.Info(n.Message, fields)
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

// Recorder keeps the notifications it receives. The agent's status endpoint
// lists them.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
	limit int
}

// NewRecorder returns a Recorder that keeps at most limit notifications.
// A limit of zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if r.limit > 0 && len(r.items) > r.limit {
		r.items = r.items[len(r.items)-r.limit:]
	}
}

// All returns a copy of the recorded notifications, oldest first.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}
