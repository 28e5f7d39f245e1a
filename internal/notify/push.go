package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/koalax/agent/internal/db"
	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
)

const (
	defaultPushTTL = 86400
	pushTimeout    = 30 * time.Second
)

// PushConfig holds the VAPID key pair used to sign Web Push requests.
type PushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // contact e-mail or URL given to push services
	TTL        int    // seconds; zero means one day
}

// GeneratePushKeys returns a new VAPID key pair.
func GeneratePushKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// PushNotifier sends notifications to every subscribed browser. Sends run in
// the background; subscriptions the push service reports as gone are
// removed.
type PushNotifier struct {
	db     *sql.DB
	cfg    PushConfig
	client webpush.HTTPClient
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewPushNotifier applies the agent schema, which holds the subscription table. client may be
// nil to use http.DefaultClient.
func NewPushNotifier(ctx context.Context, sqlDB *sql.DB, cfg PushConfig, client webpush.HTTPClient) (*PushNotifier, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, errors.New(errors.ErrInvalid, "push notifications need a VAPID key pair")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultPushTTL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to create push subscription table", err)
	}
	return &PushNotifier{db: sqlDB, cfg: cfg, client: client, now: time.Now}, nil
}

// PublicKey is the application server key browsers subscribe with.
func (p *PushNotifier) PublicKey() string {
	return p.cfg.PublicKey
}

// Subscribe stores sub, replacing the keys of an existing subscription with
// the same endpoint.
func (p *PushNotifier) Subscribe(ctx context.Context, sub webpush.Subscription) error {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("push endpoint %q must be an absolute URL", sub.Endpoint))
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return errors.New(errors.ErrInvalid, "push subscription keys are required")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, p.now().UnixMilli())
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save push subscription", err)
	}
	return nil
}

// Unsubscribe removes the subscription for endpoint.
func (p *PushNotifier) Unsubscribe(ctx context.Context, endpoint string) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove push subscription", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New(errors.ErrNotFound, "push subscription not found")
	}
	return nil
}

// Subscriptions lists stored subscriptions, oldest first.
func (p *PushNotifier) Subscriptions(ctx context.Context) ([]webpush.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT endpoint, p256dh, auth FROM push_subscriptions ORDER BY created_at, rowid")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list push subscriptions", err)
	}
	defer rows.Close()

	var subs []webpush.Subscription
	for rows.Next() {
		var s webpush.Subscription
		if err := rows.Scan(&s.Endpoint, &s.Keys.P256dh, &s.Keys.Auth); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan push subscription", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Notify implements Notifier.
func (p *PushNotifier) Notify(ctx context.Context, n Notification) {
	subs, err := p.Subscriptions(ctx)
	if err != nil {
		logging.Error("Failed to load push subscriptions", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	title := n.Title
	if title == "" {
		title = "Koalax"
	}
	payload, _ := json.Marshal(map[string]string{
		"title": title,
		"body":  n.Message,
		"level": string(n.Level),
	})

	sendCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for _, sub := range subs {
			p.send(sendCtx, payload, sub)
		}
	}()
}

func (p *PushNotifier) send(ctx context.Context, payload []byte, sub webpush.Subscription) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		TTL:             p.cfg.TTL,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
	})
	if err != nil {
		logging.Warn("Web push send failed", map[string]interface{}{
			"endpoint": sub.Endpoint,
			"error":    err.Error(),
		})
		return
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := p.Unsubscribe(ctx, sub.Endpoint); err != nil && !errors.Is(err, errors.ErrNotFound) {
			logging.Error("Failed to delete expired push subscription", err, map[string]interface{}{"endpoint": sub.Endpoint})
			return
		}
		logging.Info("Push subscription expired", map[string]interface{}{"endpoint": sub.Endpoint})
	case resp.StatusCode >= 300:
		logging.Warn("Push service rejected notification", map[string]interface{}{
			"endpoint": sub.Endpoint,
			"status":   resp.StatusCode,
		})
	}
}

// Wait blocks until background sends have finished.
func (p *PushNotifier) Wait() {
	p.wg.Wait()
}
