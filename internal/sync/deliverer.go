package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/models"
)

// Deliverer sends one pending change to the remote API. A nil error means the
// remote side accepted the change.
type Deliverer interface {
	Deliver(ctx context.Context, change *models.PendingChange) error
}

// Doer is the subset of *http.Client used for delivery.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTConfig configures a RESTDeliverer.
type RESTConfig struct {
	// BaseURL is the API base; changes go to {BaseURL}/api/{table}.
	BaseURL string
	// RateLimit caps deliveries per second. Zero disables throttling.
	RateLimit float64
	// Burst is the limiter burst size; values below 1 are treated as 1.
	Burst int
	// Timeout bounds each request. Zero means no per-request timeout.
	Timeout time.Duration
	// Header is added to every request.
	Header http.Header
}

// RESTDeliverer delivers changes as JSON to the remote REST endpoint:
// create is POST, update is PUT and delete is DELETE.
type RESTDeliverer struct {
	base    *url.URL
	client  Doer
	limiter *rate.Limiter
	timeout time.Duration
	header  http.Header
}

// NewRESTDeliverer creates a RESTDeliverer. A nil client uses http.DefaultClient.
func NewRESTDeliverer(cfg RESTConfig, client Doer) (*RESTDeliverer, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid API base URL %q", cfg.BaseURL))
	}
	if cfg.RateLimit < 0 || cfg.Timeout < 0 {
		return nil, errors.New(errors.ErrInvalid, "rate limit and timeout must not be negative")
	}
	if client == nil {
		client = http.DefaultClient
	}
	d := &RESTDeliverer{
		base:    base,
		client:  client,
		timeout: cfg.Timeout,
		header:  cfg.Header.Clone(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d, nil
}

// Endpoint returns the URL a change for table is delivered to.
func (d *RESTDeliverer) Endpoint(table string) string {
	u := *d.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/" + url.PathEscape(table)
	u.RawPath = ""
	return u.String()
}

// Deliver implements Deliverer.
func (d *RESTDeliverer) Deliver(ctx context.Context, change *models.PendingChange) error {
	method, err := change.Operation.Method()
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "cannot deliver change", err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return errors.Wrap(errors.ErrNetwork, "delivery throttled", err)
		}
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	body := []byte(change.Data)
	if len(body) == 0 {
		body = []byte("null")
	}
	req, err := http.NewRequestWithContext(ctx, method, d.Endpoint(change.Table), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to build delivery request", err)
	}
	for k, vs := range d.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrDeliveryFailed,
			fmt.Sprintf("%s %s returned %d", method, req.URL.Path, resp.StatusCode))
	}
	return nil
}
