package worker

import (
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
	"github.com/koalax/agent/internal/models"
)

const maxEnqueueBody = 1 << 20

func (c *Controller) routes(control http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_worker/status", c.handleStatus)
	mux.HandleFunc("GET /_worker/changes", c.handleListChanges)
	mux.HandleFunc("POST /_worker/changes", c.handleEnqueue)
	mux.HandleFunc("POST /_worker/sync", c.handleSync)
	if control != nil {
		mux.Handle("/_worker/control", control)
	}
	if c.push != nil {
		mux.HandleFunc("GET /_worker/push/key", c.handlePushKey)
		mux.HandleFunc("POST /_worker/push/subscriptions", c.handleSubscribe)
		mux.HandleFunc("DELETE /_worker/push/subscriptions", c.handleUnsubscribe)
	}
	mux.HandleFunc("/_worker/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.New(errors.ErrNotFound, "no such endpoint "+r.Method+" "+r.URL.Path))
	})
	mux.HandleFunc("/", c.handleFetch)
	return mux
}

// ServeHTTP serves the admin API under /_worker/ and proxies every other
// request through the cache once the controller is activated.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}

func (c *Controller) handleFetch(w http.ResponseWriter, r *http.Request) {
	if c.State() != StateActivated {
		writeError(w, errors.New(errors.ErrInvalidState, "agent is "+string(c.State())))
		return
	}
	resp, err := c.cache.HandleFetchRequest(r.Context(), r)
	if err != nil {
		logging.Debug("Fetch failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		writeError(w, err)
		return
	}
	if err := resp.Serve(w); err != nil {
		logging.Debug("Failed to write response", map[string]interface{}{"path": r.URL.Path, "error": err.Error()})
	}
}

// handleStatus handles GET /_worker/status.
func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListChanges handles GET /_worker/changes.
func (c *Controller) handleListChanges(w http.ResponseWriter, r *http.Request) {
	if !storeReady(c.State()) {
		writeError(w, errors.New(errors.ErrInvalidState, "pending-change store is not initialized"))
		return
	}
	changes, err := c.store.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []*models.PendingChange{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"count":   len(changes),
	})
}

// handleEnqueue handles POST /_worker/changes.
// The change is durable when 202 is returned; delivery happens later.
func (c *Controller) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	change, err := c.enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, change)
}

// handleSync handles POST /_worker/sync. It drains synchronously and returns
// the result, or 409 when a drain is already running.
func (c *Controller) handleSync(w http.ResponseWriter, r *http.Request) {
	if !storeReady(c.State()) {
		writeError(w, errors.New(errors.ErrInvalidState, "agent is not installed"))
		return
	}
	if !c.engine.TriggerSync(r.Context()) {
		writeError(w, errors.New(errors.ErrSyncInProgress, "sync already in progress"))
		return
	}
	writeJSON(w, http.StatusOK, c.engine.LastResult())
}

// handlePushKey handles GET /_worker/push/key.
func (c *Controller) handlePushKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": c.push.PublicKey()})
}

// handleSubscribe handles POST /_worker/push/subscriptions with a browser
// PushSubscription as the body.
func (c *Controller) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub webpush.Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody)).Decode(&sub); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid subscription", err))
		return
	}
	if err := c.push.Subscribe(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleUnsubscribe handles DELETE /_worker/push/subscriptions.
func (c *Controller) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	if err := c.push.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.Code(err)
	writeJSON(w, statusFor(code), map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrCacheMiss:
		return http.StatusNotFound
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrInvalidState:
		return http.StatusServiceUnavailable
	case errors.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
