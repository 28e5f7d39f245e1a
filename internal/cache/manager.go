package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
)

// Fetcher performs outbound HTTP requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ManagerConfig describes the cache generation served by a Manager.
type ManagerConfig struct {
	AppName   string
	Version   string
	Origin    *url.URL // where cache misses are fetched from
	Manifest  []string // absolute paths precached at install
	APIPrefix string   // requests under this path use stale-while-revalidate

	// PrecacheConcurrency bounds parallel manifest fetches. Zero means 4.
	PrecacheConcurrency int
}

// Manager owns the versioned buckets and routes requests to a strategy.
type Manager struct {
	cfg        ManagerConfig
	storage    Storage
	client     Fetcher
	manifest   map[string]bool
	strategies *Strategies
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg ManagerConfig, storage Storage, client Fetcher) (*Manager, error) {
	if cfg.AppName == "" || cfg.Version == "" {
		return nil, errors.New(errors.ErrInvalid, "cache app name and version are required")
	}
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, errors.New(errors.ErrInvalid, "cache origin must be an absolute URL")
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = 4
	}
	manifest := make(map[string]bool, len(cfg.Manifest))
	for _, p := range cfg.Manifest {
		if !strings.HasPrefix(p, "/") {
			return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("manifest path %q must be absolute", p))
		}
		manifest[p] = true
	}

	m := &Manager{
		cfg:      cfg,
		storage:  storage,
		client:   client,
		manifest: manifest,
	}
	m.strategies = &Strategies{
		Storage:      storage,
		Network:      m.fetch,
		StaticCache:  m.CacheName(),
		DynamicCache: m.DynamicCacheName(),
	}
	return m, nil
}

// CacheName is the current generation's bucket, "{app}-v{version}".
func (m *Manager) CacheName() string {
	return fmt.Sprintf("%s-v%s", m.cfg.AppName, m.cfg.Version)
}

// DynamicCacheName holds runtime responses for the current generation.
func (m *Manager) DynamicCacheName() string {
	return fmt.Sprintf("%s-dynamic-v%s", m.cfg.AppName, m.cfg.Version)
}

// Version returns the configured generation.
func (m *Manager) Version() string {
	return m.cfg.Version
}

// Strategies exposes the strategy set bound to this generation.
func (m *Manager) Strategies() *Strategies {
	return m.strategies
}

// InitializeCache opens the versioned bucket and stores every manifest
// asset. Any asset that cannot be fetched, or answers with a non-2xx status,
// fails the whole call.
func (m *Manager) InitializeCache(ctx context.Context) error {
	name := m.CacheName()
	if err := m.storage.Open(ctx, name); err != nil {
		return errors.Wrap(errors.ErrCachePopulateFailed, "failed to open cache "+name, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PrecacheConcurrency)
	for _, path := range m.cfg.Manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, path, nil)
			if err != nil {
				return errors.Wrap(errors.ErrCachePopulateFailed, "bad manifest path "+path, err)
			}
			resp, err := m.fetch(gctx, req)
			if err != nil {
				return errors.Wrap(errors.ErrCachePopulateFailed, "failed to fetch "+path, err)
			}
			if !resp.OK() {
				return errors.New(errors.ErrCachePopulateFailed, fmt.Sprintf("fetch %s: status %d", path, resp.StatusCode))
			}
			if err := m.storage.Put(gctx, name, Key(req), resp); err != nil {
				return errors.Wrap(errors.ErrCachePopulateFailed, "failed to store "+path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logging.Info("Cache initialized", map[string]interface{}{
		"cache":  name,
		"assets": len(m.cfg.Manifest),
	})
	return nil
}

// ClearOldCaches deletes every bucket whose name is not CacheName and
// returns the names it removed.
func (m *Manager) ClearOldCaches(ctx context.Context) ([]string, error) {
	current := m.CacheName()
	deleted, err := m.deleteBuckets(ctx, func(name string) bool { return name != current })
	if len(deleted) > 0 {
		logging.Info("Deleted old caches", map[string]interface{}{
			"current": current,
			"deleted": deleted,
		})
	}
	return deleted, err
}

// ClearAll deletes every bucket, the current generation included. Later
// requests repopulate the buckets from the network.
func (m *Manager) ClearAll(ctx context.Context) ([]string, error) {
	deleted, err := m.deleteBuckets(ctx, func(string) bool { return true })
	logging.Info("Cleared caches", map[string]interface{}{"deleted": deleted})
	return deleted, err
}

func (m *Manager) deleteBuckets(ctx context.Context, match func(name string) bool) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if !match(name) {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if req.Method != http.MethodGet {
		return false
	}
	accept := req.Header.Get("Accept")
	return strings.HasPrefix(accept, "text/html") || strings.Contains(accept, ",text/html") ||
		strings.Contains(accept, ", text/html")
}

// Route picks the strategy for req.
func (m *Manager) Route(req *http.Request) Strategy {
	switch {
	case strings.HasPrefix(req.URL.Path, m.cfg.APIPrefix):
		return StrategyStaleWhileRevalidate
	case m.manifest[req.URL.Path]:
		return StrategyCacheFirst
	case IsNavigation(req):
		return StrategyNetworkFirst
	default:
		return StrategyNetworkFirst
	}
}

// HandleFetchRequest answers req using its routed strategy. Requests other
// than GET are not cacheable and go straight to the network.
func (m *Manager) HandleFetchRequest(ctx context.Context, req *http.Request) (*Response, error) {
	if req.Method != http.MethodGet {
		return m.fetch(ctx, req)
	}
	return m.strategies.Apply(ctx, m.Route(req), req)
}

// Wait blocks until background refreshes have finished.
func (m *Manager) Wait() {
	m.strategies.Wait()
}

// fetch forwards req to the origin and buffers the answer.
func (m *Manager) fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := *m.cfg.Origin
	target.Path = strings.TrimSuffix(m.cfg.Origin.Path, "/") + req.URL.Path
	target.RawPath = ""
	target.RawQuery = req.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to build request", err)
	}
	copyHeader(out.Header, req.Header)
	out.ContentLength = req.ContentLength

	resp, err := m.client.Do(out)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	r, err := readResponse(resp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	return r, nil
}
