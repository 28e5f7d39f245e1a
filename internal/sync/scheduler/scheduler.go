// Package scheduler emits periodic background sync signals for registered
// tags while the agent is online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
)

// SyncFunc receives a background sync signal for tag.
type SyncFunc func(ctx context.Context, tag string)

// ProbeFunc reports whether the remote side is reachable.
type ProbeFunc func(ctx context.Context) bool

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often registered tags fire (default: 1 minute)
	Probe        ProbeFunc     // Optional connectivity check run before each tick
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: time.Minute,
	}
}

type registration struct {
	tag string
	fn  SyncFunc
}

// Scheduler manages background sync registrations.
type Scheduler struct {
	syncInterval time.Duration
	probe        ProbeFunc

	mu             sync.RWMutex
	registrations  []registration
	isRunning      bool
	isOnline       bool
	fireInProgress bool
	lastFireTime   time.Time
	cancel         context.CancelFunc
	runCtx         context.Context

	wg sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		syncInterval: interval,
		probe:        config.Probe,
		isOnline:     true, // Assume online initially
	}
}

// Register adds fn as the receiver of sync signals for tag, replacing any
// earlier registration of the same tag.
func (s *Scheduler) Register(tag string, fn SyncFunc) error {
	if tag == "" || fn == nil {
		return errors.New(errors.ErrInvalid, "sync registration needs a tag and a handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.registrations {
		if r.tag == tag {
			s.registrations[i].fn = fn
			return nil
		}
	}
	s.registrations = append(s.registrations, registration{tag: tag, fn: fn})
	logging.Debug("background sync registered", map[string]interface{}{"tag": tag})
	return nil
}

// Tags returns the registered tags in registration order.
func (s *Scheduler) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, len(s.registrations))
	for i, r := range s.registrations {
		tags[i] = r.tag
	}
	return tags
}

// Start starts the periodic loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.periodicSyncLoop(runCtx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval": s.syncInterval.String()})
}

// Stop stops the scheduler and waits for in-flight signals to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. While offline no
// signals are emitted; going back online emits one immediately.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.fire()
	}
}

// periodicSyncLoop emits registered tags on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.probe != nil {
				s.SetOnlineStatus(s.probe(ctx))
			}
			if !s.IsOnline() {
				logging.Debug("Skipping sync - scheduler is offline", nil)
				continue
			}
			s.fire()
		}
	}
}

// TriggerSync emits every registered tag now.
// Returns true if signals were sent, false if the scheduler is stopped,
// offline, or a previous emission has not returned yet.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsOnline() {
		return false
	}
	return s.fire()
}

func (s *Scheduler) fire() bool {
	s.mu.Lock()
	if !s.isRunning || s.fireInProgress || len(s.registrations) == 0 {
		s.mu.Unlock()
		return false
	}
	s.fireInProgress = true
	regs := append([]registration(nil), s.registrations...)
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.fireInProgress = false
			s.lastFireTime = time.Now()
			s.mu.Unlock()
		}()

		for _, r := range regs {
			if ctx.Err() != nil {
				return
			}
			r.fn(ctx, r.tag)
		}
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool       `json:"isRunning"`
	IsOnline       bool       `json:"isOnline"`
	FireInProgress bool       `json:"fireInProgress"`
	LastFireTime   *time.Time `json:"lastFireTime,omitempty"`
	Tags           []string   `json:"tags"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		FireInProgress: s.fireInProgress,
		Tags:           make([]string, 0, len(s.registrations)),
	}
	for _, r := range s.registrations {
		status.Tags = append(status.Tags, r.tag)
	}
	if !s.lastFireTime.IsZero() {
		t := s.lastFireTime
		status.LastFireTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
