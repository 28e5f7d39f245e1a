package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalax/agent/internal/errors"
)

type memoryPush struct {
	mu   sync.Mutex
	subs map[string]webpush.Subscription
}

func (m *memoryPush) PublicKey() string { return "BPubKey" }

func (m *memoryPush) Subscribe(_ context.Context, sub webpush.Subscription) error {
	if sub.Endpoint == "" {
		return errors.New(errors.ErrInvalid, "endpoint required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *memoryPush) Unsubscribe(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[endpoint]; !ok {
		return errors.New(errors.ErrNotFound, "push subscription not found")
	}
	delete(m.subs, endpoint)
	return nil
}

func TestPushRoutes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	push := &memoryPush{subs: make(map[string]webpush.Subscription)}
	ctrl, err := New(Config{Cache: h.manager, Store: h.store, Engine: h.engine, Push: push})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl

	rec := h.do(t, http.MethodGet, "/_worker/push/key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var key map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.Equal(t, "BPubKey", key["publicKey"])

	body := `{"endpoint":"https://push.example/s/1","keys":{"p256dh":"BK","auth":"au"}}`
	rec = h.do(t, http.MethodPost, "/_worker/push/subscriptions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, webpush.Keys{P256dh: "BK", Auth: "au"}, push.subs["https://push.example/s/1"].Keys)

	rec = h.do(t, http.MethodPost, "/_worker/push/subscriptions", `{"keys":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/_worker/push/subscriptions", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/_worker/push/subscriptions", `{"endpoint":"https://push.example/s/1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/_worker/push/subscriptions", `{"endpoint":"https://push.example/s/1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrNotFound), errorCode(t, rec))
}

func TestPushRoutes_disabled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/_worker/push/key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
