package cache

import (
	"context"
	"net/http"
	"sync"

	"github.com/koalax/agent/internal/logging"
)

// Strategy names a fetch policy.
type Strategy int

const (
	StrategyNetworkFirst Strategy = iota
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "network-first"
	}
}

// NetworkFunc performs the network half of a strategy.
type NetworkFunc func(ctx context.Context, req *http.Request) (*Response, error)

// Strategies applies the fetch policies against a Storage. The policies keep
// no state of their own; the only thing tracked is the set of background
// refreshes started by StaleWhileRevalidate so shutdown can wait for them.
type Strategies struct {
	Storage      Storage
	Network      NetworkFunc
	StaticCache  string
	DynamicCache string

	refreshes sync.WaitGroup
}

// Key returns the bucket key of a request.
func Key(req *http.Request) string {
	return req.URL.RequestURI()
}

// store puts a clone of resp in the named bucket when it is a cacheable
// 2xx GET response. Failures are logged and otherwise ignored.
func (s *Strategies) store(ctx context.Context, bucket string, req *http.Request, resp *Response) {
	if req.Method != http.MethodGet || !resp.OK() {
		return
	}
	if err := s.Storage.Put(ctx, bucket, Key(req), resp.Clone()); err != nil {
		logging.Warn("Failed to cache response", map[string]interface{}{
			"cache": bucket,
			"key":   Key(req),
			"error": err.Error(),
		})
	}
}

// match looks the request up in every bucket. Lookup failures count as a miss.
func (s *Strategies) match(ctx context.Context, req *http.Request) (*Response, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	resp, ok, err := s.Storage.MatchAny(ctx, Key(req))
	if err != nil {
		logging.Warn("Cache lookup failed", map[string]interface{}{
			"key":   Key(req),
			"error": err.Error(),
		})
		return nil, false
	}
	return resp, ok
}

// CacheFirst serves a cached match, otherwise fetches and stores the
// response in the static bucket. A miss combined with a network failure
// returns the network error.
func (s *Strategies) CacheFirst(ctx context.Context, req *http.Request) (*Response, error) {
	if cached, ok := s.match(ctx, req); ok {
		return cached, nil
	}
	resp, err := s.Network(ctx, req)
	if err != nil {
		return nil, err
	}
	s.store(ctx, s.StaticCache, req, resp)
	return resp, nil
}

// NetworkFirst fetches and stores the response in the dynamic bucket,
// falling back to any cached match when the network fails.
func (s *Strategies) NetworkFirst(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := s.Network(ctx, req)
	if err == nil {
		s.store(ctx, s.DynamicCache, req, resp)
		return resp, nil
	}
	if cached, ok := s.match(ctx, req); ok {
		return cached, nil
	}
	return nil, err
}

// StaleWhileRevalidate serves a cached match immediately and refreshes the
// dynamic bucket in the background. Without a match the caller waits for
// the network.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, req *http.Request) (*Response, error) {
	cached, ok := s.match(ctx, req)
	if !ok {
		resp, err := s.Network(ctx, req)
		if err != nil {
			return nil, err
		}
		s.store(ctx, s.DynamicCache, req, resp)
		return resp, nil
	}

	// The refresh outlives the caller's request.
	bg := context.WithoutCancel(ctx)
	refresh := req.Clone(bg)
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		resp, err := s.Network(bg, refresh)
		if err != nil {
			logging.Debug("Background refresh failed", map[string]interface{}{
				"key":   Key(refresh),
				"error": err.Error(),
			})
			return
		}
		s.store(bg, s.DynamicCache, refresh, resp)
	}()
	return cached, nil
}

// Apply runs the named strategy.
func (s *Strategies) Apply(ctx context.Context, strategy Strategy, req *http.Request) (*Response, error) {
	switch strategy {
	case StrategyCacheFirst:
		return s.CacheFirst(ctx, req)
	case StrategyStaleWhileRevalidate:
		return s.StaleWhileRevalidate(ctx, req)
	default:
		return s.NetworkFirst(ctx, req)
	}
}

// Wait blocks until every background refresh has finished.
func (s *Strategies) Wait() {
	s.refreshes.Wait()
}
