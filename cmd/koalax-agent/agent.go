package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/koalax/agent/internal/cache"
	"github.com/koalax/agent/internal/config"
	"github.com/koalax/agent/internal/db"
	"github.com/koalax/agent/internal/notify"
	syncpkg "github.com/koalax/agent/internal/sync"
	"github.com/koalax/agent/internal/sync/queue"
)

// recentNotifications is how many notifications /_worker/status lists.
const recentNotifications = 20

// agent is the set of components every command shares.
type agent struct {
	cfg     *config.Config
	db      *db.DB
	storage *cache.SQLStorage
	cache   *cache.Manager
	store   *queue.Store
	engine  *syncpkg.Engine
	push    *notify.PushNotifier // nil unless push keys are configured
	recent  *notify.Recorder

	// notifier receives sync failures: the log, recent, extra and push.
	notifier notify.Notifier
}

// openAgent opens the database and builds the cache manager, the change
// store, the push notifier and the sync engine. extra, when not nil, also
// receives notifications. The store is not initialized; serve does that
// during install and the other commands call store.Init themselves.
func openAgent(ctx context.Context, cfg *config.Config, extra notify.Notifier) (*agent, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &agent{cfg: cfg, db: database}
	if err := a.build(ctx, extra); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) build(ctx context.Context, extra notify.Notifier) error {
	storage, err := cache.NewSQLStorage(ctx, a.db.DB)
	if err != nil {
		return err
	}
	a.storage = storage

	a.cache, err = cache.NewManager(cache.ManagerConfig{
		AppName:             a.cfg.AppName,
		Version:             a.cfg.Version,
		Origin:              a.cfg.Origin(),
		Manifest:            a.cfg.Manifest,
		APIPrefix:           a.cfg.APIPrefix,
		PrecacheConcurrency: a.cfg.PrecacheConcurrency,
	}, storage, &http.Client{})
	if err != nil {
		return err
	}

	a.store = queue.NewStore(a.db.DB)

	deliverer, err := syncpkg.NewRESTDeliverer(syncpkg.RESTConfig{
		BaseURL:   a.cfg.APIBaseURL,
		RateLimit: a.cfg.RateLimit,
		Burst:     a.cfg.RateBurst,
		Timeout:   a.cfg.DeliveryTimeout,
	}, &http.Client{})
	if err != nil {
		return err
	}

	a.recent = notify.NewRecorder(recentNotifications)
	notifiers := notify.Multi{notify.LogNotifier{}, a.recent, extra}
	if a.cfg.PushEnabled() {
		a.push, err = notify.NewPushNotifier(ctx, a.db.DB, notify.PushConfig{
			PublicKey:  a.cfg.PushPublicKey,
			PrivateKey: a.cfg.PushPrivateKey,
			Subscriber: a.cfg.PushSubscriber,
		}, &http.Client{})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, a.push)
	}
	a.notifier = notifiers

	a.engine = syncpkg.NewEngine(a.store, deliverer,
		syncpkg.WithMaxRetries(a.cfg.MaxRetries),
		syncpkg.WithNotifier(a.notifier))
	return nil
}

// Close waits for background drains and cache refreshes, then closes the
// database.
func (a *agent) Close() error {
	a.engine.Close()
	a.cache.Wait()
	if a.push != nil {
		a.push.Wait()
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// probe reports whether the remote API answers at all. Any HTTP response,
// whatever its status, counts as online.
func probe(base string) func(ctx context.Context) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, base, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
