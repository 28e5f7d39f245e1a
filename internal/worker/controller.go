// Package worker drives the agent lifecycle: install, activate, background
// sync signals and request handling.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/koalax/agent/internal/cache"
	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
	"github.com/koalax/agent/internal/models"
	"github.com/koalax/agent/internal/notify"
	syncpkg "github.com/koalax/agent/internal/sync"
	"github.com/koalax/agent/internal/sync/scheduler"
)

// State is a lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Cache is the part of *cache.Manager the controller uses.
type Cache interface {
	InitializeCache(ctx context.Context) error
	ClearOldCaches(ctx context.Context) ([]string, error)
	ClearAll(ctx context.Context) ([]string, error)
	HandleFetchRequest(ctx context.Context, req *http.Request) (*cache.Response, error)
	CacheName() string
	Version() string
}

// Store is the part of *queue.Store the controller uses.
type Store interface {
	Init(ctx context.Context) error
	GetAll(ctx context.Context) ([]*models.PendingChange, error)
}

// Engine is the part of *sync.Engine the controller uses.
type Engine interface {
	syncpkg.SyncEngineInterface
	Enqueue(ctx context.Context, table string, op models.Operation, data json.RawMessage) (*models.PendingChange, error)
}

// Registrar accepts background sync registrations. *scheduler.Scheduler
// implements it.
type Registrar interface {
	Register(tag string, fn scheduler.SyncFunc) error
}

// RecentNotifications lists the latest notifications, oldest first.
// *notify.Recorder implements it.
type RecentNotifications interface {
	All() []notify.Notification
}

// Config wires a Controller.
type Config struct {
	Cache  Cache
	Store  Store
	Engine Engine

	// Scheduler is optional; without one no background sync is registered.
	Scheduler Registrar
	// Notifier defaults to notify.LogNotifier.
	Notifier notify.Notifier
	// Control serves the control channel at /_worker/control when set.
	Control http.Handler
	// Push serves the Web Push subscription endpoints when set.
	Push PushRegistry
	// Recent adds the latest notifications to the status when set.
	Recent RecentNotifications
}

// PushRegistry stores browser push subscriptions. *notify.PushNotifier
// implements it.
type PushRegistry interface {
	PublicKey() string
	Subscribe(ctx context.Context, sub webpush.Subscription) error
	Unsubscribe(ctx context.Context, endpoint string) error
}

// Controller owns the lifecycle state and serves HTTP.
type Controller struct {
	cache     Cache
	store     Store
	engine    Engine
	scheduler Registrar
	notifier  notify.Notifier
	push      PushRegistry
	recent    RecentNotifications
	mux       *http.ServeMux

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	activatedAt time.Time

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns a Controller in the parsed state.
func New(cfg Config) (*Controller, error) {
	if cfg.Cache == nil || cfg.Store == nil || cfg.Engine == nil {
		return nil, errors.New(errors.ErrInvalid, "controller needs a cache, a store and an engine")
	}
	c := &Controller{
		cache:     cfg.Cache,
		store:     cfg.Store,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		notifier:  cfg.Notifier,
		push:      cfg.Push,
		recent:    cfg.Recent,
		state:     StateParsed,
	}
	if c.notifier == nil {
		c.notifier = notify.LogNotifier{}
	}
	c.bg, c.cancel = context.WithCancel(context.Background())
	c.mux = c.routes(cfg.Control)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return errors.New(errors.ErrInvalidState, fmt.Sprintf("cannot move to %s from %s", to, c.state))
	}
	c.state = to
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateActivated {
		c.activatedAt = time.Now()
	}
	c.mu.Unlock()
	logging.Info("Worker state changed", map[string]interface{}{"state": string(s)})
}

// Install populates the cache and initializes the pending-change store
// concurrently. Both must succeed; otherwise the controller becomes
// redundant. A successful install skips waiting, so Start activates at once.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	logging.Info("Installing", map[string]interface{}{"cache": c.cache.CacheName()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.cache.InitializeCache(gctx) })
	g.Go(func() error { return c.store.Init(gctx) })
	if err := g.Wait(); err != nil {
		c.setState(StateRedundant)
		logging.ErrorWithCode("Install failed", string(errors.Code(err)), err)
		return err
	}

	c.mu.Lock()
	c.skipWaiting = true
	c.mu.Unlock()
	c.setState(StateInstalled)
	return nil
}

// Activate removes stale cache generations, registers the background sync
// tag and starts serving.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	if _, err := c.cache.ClearOldCaches(ctx); err != nil {
		logging.Warn("Failed to delete old caches", map[string]interface{}{"error": err.Error()})
	}

	if c.scheduler != nil {
		if err := c.scheduler.Register(syncpkg.Tag, c.OnSync); err != nil {
			logging.Debug("Background sync not registered", map[string]interface{}{"error": err.Error()})
		}
	}

	c.setState(StateActivated)
	return nil
}

// Start installs and, since install skips waiting, activates.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	skip := c.skipWaiting
	c.mu.RUnlock()
	if !skip {
		return nil
	}
	return c.Activate(ctx)
}

// SkipWaiting activates an installed controller immediately. It is a no-op
// in any other state.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	waiting := c.state == StateInstalled
	c.mu.Unlock()
	if !waiting {
		return nil
	}
	return c.Activate(ctx)
}

// OnSync handles a background sync signal. Only the agent's own tag starts
// a drain.
func (c *Controller) OnSync(ctx context.Context, tag string) {
	if tag != syncpkg.Tag {
		logging.Debug("Ignoring sync signal", map[string]interface{}{"tag": tag})
		return
	}
	c.engine.TriggerSync(ctx)
}

// Close stops background work started by control messages.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Status is a snapshot served on /_worker/status.
type Status struct {
	State      State               `json:"state"`
	Version    string              `json:"version"`
	Cache      string              `json:"cache"`
	Pending    int                 `json:"pending"`
	Sync       syncpkg.SyncStatus  `json:"sync"`
	LastResult *syncpkg.SyncResult `json:"lastResult,omitempty"`
	LastSync   *time.Time          `json:"lastSync,omitempty"`
	Activated  *time.Time          `json:"activatedAt,omitempty"`

	Notifications []notify.Notification `json:"notifications,omitempty"`
}

// Status returns the current snapshot. The pending count is only read once
// the store has been initialized.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	c.mu.RLock()
	st := &Status{
		State:   c.state,
		Version: c.cache.Version(),
		Cache:   c.cache.CacheName(),
	}
	if !c.activatedAt.IsZero() {
		t := c.activatedAt
		st.Activated = &t
	}
	c.mu.RUnlock()

	st.Sync = c.engine.Status()
	st.LastResult = c.engine.LastResult()
	st.LastSync = c.engine.LastSync()
	if c.recent != nil {
		st.Notifications = c.recent.All()
	}
	if storeReady(st.State) {
		n, err := c.engine.PendingChanges(ctx)
		if err != nil {
			return nil, err
		}
		st.Pending = n
	}
	return st, nil
}

func storeReady(s State) bool {
	return s == StateInstalled || s == StateActivating || s == StateActivated
}

// enqueueRequest is the payload of ENQUEUE messages and POST /_worker/changes.
type enqueueRequest struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

func (c *Controller) enqueue(ctx context.Context, req enqueueRequest) (*models.PendingChange, error) {
	if !storeReady(c.State()) {
		return nil, errors.New(errors.ErrInvalidState, "pending-change store is not initialized")
	}
	op, err := models.ParseOperation(req.Operation)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid operation", err)
	}
	return c.engine.Enqueue(ctx, req.Table, op, req.Data)
}

// clearCache drops every cache bucket; a failure is surfaced to the user.
func (c *Controller) clearCache(ctx context.Context) error {
	if _, err := c.cache.ClearAll(ctx); err != nil {
		c.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Title:   "Cache",
			Message: "Failed to clear cache",
			Time:    time.Now(),
		})
		return err
	}
	return nil
}

// HandleControl answers one control-channel message.
func (c *Controller) HandleControl(ctx context.Context, msg notify.Message) notify.Message {
	switch msg.Type {
	case notify.TypeClearCache:
		return notify.Ack(msg, notify.TypeCacheCleared, c.clearCache(ctx))

	case notify.TypeSkipWaiting:
		return notify.Ack(msg, notify.TypeSkippedWaiting, c.SkipWaiting(ctx))

	case notify.TypeSyncNow:
		if !storeReady(c.State()) {
			return notify.Ack(msg, notify.TypeSyncStarted, errors.New(errors.ErrInvalidState, "agent is not installed"))
		}
		if c.engine.Status() == syncpkg.SyncStatusSyncing {
			return notify.Ack(msg, notify.TypeSyncStarted, errors.New(errors.ErrSyncInProgress, "sync already in progress"))
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.engine.TriggerSync(c.bg)
		}()
		return notify.Ack(msg, notify.TypeSyncStarted, nil)

	case notify.TypeEnqueue:
		var req enqueueRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return notify.Ack(msg, notify.TypeEnqueued, errors.Wrap(errors.ErrInvalid, "invalid ENQUEUE payload", err))
		}
		change, err := c.enqueue(ctx, req)
		reply := notify.Ack(msg, notify.TypeEnqueued, err)
		if err == nil {
			reply.Data, _ = json.Marshal(change)
		}
		return reply

	default:
		return notify.Message{
			Type:  notify.TypeError,
			ID:    msg.ID,
			Error: "unsupported message type " + msg.Type,
		}
	}
}
