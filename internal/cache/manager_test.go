package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalax/agent/internal/errors"
)

var testManifest = []string{"/", "/manifest.json", "/icons/icon-192.png"}

// origin is a fake upstream that counts hits per path.
type origin struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newOrigin(t *testing.T, h http.HandlerFunc) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func echoPath(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "body of "+r.URL.Path)
}

func newTestManager(t *testing.T, o *origin, version string, storage Storage) *Manager {
	t.Helper()
	u, err := url.Parse(o.URL)
	require.NoError(t, err)
	m, err := NewManager(ManagerConfig{
		AppName:   "koalax",
		Version:   version,
		Origin:    u,
		Manifest:  testManifest,
		APIPrefix: "/api/",
	}, storage, o.Client())
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m
}

func get(path string, header ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

// TestNewManager_validation verifies bad configuration is rejected.
func TestNewManager_validation(t *testing.T) {
	u, _ := url.Parse("http://origin.test")
	s := newTestStorage(t)

	_, err := NewManager(ManagerConfig{Version: "1", Origin: u}, s, http.DefaultClient)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = NewManager(ManagerConfig{AppName: "koalax", Version: "1"}, s, http.DefaultClient)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = NewManager(ManagerConfig{AppName: "koalax", Version: "1", Origin: u, Manifest: []string{"icons/x.png"}}, s, http.DefaultClient)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestCacheNames verifies the versioned naming convention.
func TestCacheNames(t *testing.T) {
	m := newTestManager(t, newOrigin(t, echoPath), "3", newTestStorage(t))
	assert.Equal(t, "koalax-v3", m.CacheName())
	assert.Equal(t, "koalax-dynamic-v3", m.DynamicCacheName())
}

// TestRoute verifies request routing.
func TestRoute(t *testing.T) {
	m := newTestManager(t, newOrigin(t, echoPath), "1", newTestStorage(t))

	tests := []struct {
		name string
		req  *http.Request
		want Strategy
	}{
		{"api", get("/api/x"), StrategyStaleWhileRevalidate},
		{"api navigation", get("/api/x", "Sec-Fetch-Mode", "navigate"), StrategyStaleWhileRevalidate},
		{"manifest asset", get("/manifest.json"), StrategyCacheFirst},
		{"manifest root", get("/"), StrategyCacheFirst},
		{"navigation", get("/invoices/42", "Sec-Fetch-Mode", "navigate"), StrategyNetworkFirst},
		{"html accept", get("/clients", "Accept", "text/html,application/xhtml+xml"), StrategyNetworkFirst},
		{"other", get("/assets/app.js"), StrategyNetworkFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Route(tt.req), tt.want.String())
		})
	}
	assert.True(t, IsNavigation(get("/x", "Accept", "application/json, text/html")))
	assert.False(t, IsNavigation(get("/x", "Accept", "application/json")))
}

// TestInitializeCache verifies every manifest asset is precached.
func TestInitializeCache(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)

	require.NoError(t, m.InitializeCache(ctx))

	for _, p := range testManifest {
		resp, ok, err := s.Match(ctx, "koalax-v1", p)
		require.NoError(t, err)
		require.True(t, ok, p)
		assert.Equal(t, "body of "+p, string(resp.Body))
	}
}

// TestInitializeCache_failure verifies a missing asset fails install.
func TestInitializeCache_failure(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/icons/icon-192.png" {
			http.NotFound(w, r)
			return
		}
		echoPath(w, r)
	})
	m := newTestManager(t, o, "1", newTestStorage(t))

	err := m.InitializeCache(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCachePopulateFailed))
	assert.Contains(t, err.Error(), "/icons/icon-192.png")
}

// TestInitializeCache_offline verifies a network failure fails install.
func TestInitializeCache_offline(t *testing.T) {
	o := newOrigin(t, echoPath)
	m := newTestManager(t, o, "1", newTestStorage(t))
	o.Close()

	err := m.InitializeCache(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCachePopulateFailed))
}

// TestClearOldCaches verifies only the current generation survives, twice in a row.
func TestClearOldCaches(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)

	v1 := newTestManager(t, o, "1", s)
	require.NoError(t, v1.InitializeCache(ctx))
	_, err := v1.HandleFetchRequest(ctx, get("/api/invoices"))
	require.NoError(t, err)

	v2 := newTestManager(t, o, "2", s)
	require.NoError(t, v2.InitializeCache(ctx))

	deleted, err := v2.ClearOldCaches(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"koalax-v1", "koalax-dynamic-v1"}, deleted)

	deleted, err = v2.ClearOldCaches(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"koalax-v2"}, names)
}

// TestClearAll verifies every generation is dropped and the next request
// repopulates the cache.
func TestClearAll(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)
	m := newTestManager(t, o, "3", s)
	require.NoError(t, m.InitializeCache(ctx))

	deleted, err := m.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"koalax-v3"}, deleted)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = m.HandleFetchRequest(ctx, get("/manifest.json"))
	require.NoError(t, err)
	_, ok, err := s.Match(ctx, "koalax-v3", "/manifest.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestCacheFirst verifies the network is used once, then the static bucket.
func TestCacheFirst(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)

	for i := 0; i < 3; i++ {
		resp, err := m.HandleFetchRequest(ctx, get("/manifest.json"))
		require.NoError(t, err)
		assert.Equal(t, "body of /manifest.json", string(resp.Body))
	}
	assert.Equal(t, 1, o.count("/manifest.json"))

	_, ok, err := s.Match(ctx, "koalax-v1", "/manifest.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestCacheFirst_missOffline verifies the network error propagates.
func TestCacheFirst_missOffline(t *testing.T) {
	o := newOrigin(t, echoPath)
	m := newTestManager(t, o, "1", newTestStorage(t))
	o.Close()

	_, err := m.HandleFetchRequest(context.Background(), get("/manifest.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

// TestNetworkFirst verifies fresh responses are stored and used as fallback.
func TestNetworkFirst(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)
	nav := func() *http.Request { return get("/invoices/42", "Sec-Fetch-Mode", "navigate") }

	resp, err := m.HandleFetchRequest(ctx, nav())
	require.NoError(t, err)
	assert.Equal(t, "body of /invoices/42", string(resp.Body))
	assert.True(t, resp.StoredAt.IsZero(), "network response")

	_, ok, err := s.Match(ctx, "koalax-dynamic-v1", "/invoices/42")
	require.NoError(t, err)
	assert.True(t, ok)

	o.Close()
	resp, err = m.HandleFetchRequest(ctx, nav())
	require.NoError(t, err)
	assert.Equal(t, "body of /invoices/42", string(resp.Body))
	assert.False(t, resp.StoredAt.IsZero(), "cached response")

	_, err = m.HandleFetchRequest(ctx, get("/never-seen"))
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

// TestNetworkFirst_errorStatus verifies non-2xx responses are returned but not stored.
func TestNetworkFirst_errorStatus(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)

	resp, err := m.HandleFetchRequest(ctx, get("/page"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, ok, err := s.MatchAny(ctx, "/page")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStaleWhileRevalidate_hit verifies a cached copy is served without
// waiting for the network, and the refresh lands in the dynamic bucket.
func TestStaleWhileRevalidate_hit(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "fresh")
	})
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)
	require.NoError(t, s.Put(ctx, "koalax-dynamic-v1", "/api/invoices", textResponse(200, "stale")))

	done := make(chan *Response, 1)
	go func() {
		resp, err := m.HandleFetchRequest(ctx, get("/api/invoices"))
		assert.NoError(t, err)
		done <- resp
	}()

	select {
	case resp := <-done:
		assert.Equal(t, "stale", string(resp.Body))
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("stale-while-revalidate blocked on the network")
	}

	close(release)
	m.Wait()

	resp, ok, err := s.Match(ctx, "koalax-dynamic-v1", "/api/invoices")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(resp.Body))
	assert.Equal(t, 1, o.count("/api/invoices"))
}

// TestStaleWhileRevalidate_miss verifies the caller waits for the network on a miss.
func TestStaleWhileRevalidate_miss(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, echoPath)
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)

	resp, err := m.HandleFetchRequest(ctx, get("/api/clients?page=2"))
	require.NoError(t, err)
	assert.Equal(t, "body of /api/clients", string(resp.Body))

	_, ok, err := s.Match(ctx, "koalax-dynamic-v1", "/api/clients?page=2")
	require.NoError(t, err)
	assert.True(t, ok)

	o.Close()
	_, err = m.HandleFetchRequest(ctx, get("/api/unknown"))
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

// TestHandleFetchRequest_nonGET verifies writes pass through uncached.
func TestHandleFetchRequest_nonGET(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, r.Method+" "+string(b))
	})
	s := newTestStorage(t)
	m := newTestManager(t, o, "1", s)

	req := httptest.NewRequest(http.MethodPost, "/api/invoices", strings.NewReader(`{"number":"INV-1"}`))
	resp, err := m.HandleFetchRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `POST {"number":"INV-1"}`, string(resp.Body))

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
