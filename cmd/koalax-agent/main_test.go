package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/koalax/agent/internal/config"
	"github.com/koalax/agent/internal/errors"
	syncpkg "github.com/koalax/agent/internal/sync"
	"github.com/koalax/agent/internal/worker"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "koalax-agent "+Version+"\n", out)
}

func TestPushKeys(t *testing.T) {
	out, err := run(t, "", "push", "keys")
	require.NoError(t, err)

	var keys struct {
		Public  string `yaml:"push_public_key"`
		Private string `yaml:"push_private_key"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &keys))
	assert.NotEmpty(t, keys.Public)
	assert.NotEmpty(t, keys.Private)

	cfg := config.Default()
	cfg.PushPublicKey, cfg.PushPrivateKey = keys.Public, keys.Private
	assert.NoError(t, cfg.Validate())
}

func TestChangesCommands(t *testing.T) {
	dir := t.TempDir()

	id, err := run(t, "", "--data-dir", dir, "changes", "add", "--no-sync", "invoices", "create", `{"number":"INV-1"}`)
	require.NoError(t, err)
	id = strings.TrimSpace(id)
	assert.Len(t, id, 36)

	_, err = run(t, `{"id":"c-7"}`+"\n", "--data-dir", dir, "changes", "add", "--no-sync", "customers", "delete", "-")
	require.NoError(t, err)

	out, err := run(t, "", "--data-dir", dir, "changes", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], id)
	assert.Contains(t, lines[1], "invoices")
	assert.Contains(t, lines[2], "customers")
	assert.Contains(t, lines[2], "delete")

	_, err = run(t, "", "--data-dir", dir, "changes", "remove", strings.ToUpper(id))
	require.NoError(t, err)

	out, err = run(t, "", "--data-dir", dir, "changes", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	_, err = run(t, "", "--data-dir", dir, "changes", "remove", id)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestChangesAdd_delivers(t *testing.T) {
	var posts atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/invoices" {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()
	t.Setenv(config.EnvPrefix+"API_BASE_URL", api.URL)

	dir := t.TempDir()
	id, err := run(t, "", "--data-dir", dir, "changes", "add", "invoices", "create", `{"number":"INV-2"}`)
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(id), 36)
	assert.Equal(t, int32(1), posts.Load())

	out, err := run(t, "", "--data-dir", dir, "changes", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "invoices")
}

func TestChangesAdd_invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"operation", []string{"changes", "add", "invoices", "merge"}},
		{"table", []string{"changes", "add", "in voices", "create"}},
		{"data", []string{"changes", "add", "invoices", "create", "{not json"}},
		{"id", []string{"changes", "remove", "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", append([]string{"--data-dir", dir}, tt.args...)...)
			assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
		})
	}
}

func TestSyncCommand(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/api/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()
	t.Setenv(config.EnvPrefix+"API_BASE_URL", api.URL)

	dir := t.TempDir()
	for _, table := range []string{"invoices", "broken", "customers"} {
		_, err := run(t, "", "--data-dir", dir, "changes", "add", "--no-sync", table, "update", `{}`)
		require.NoError(t, err)
	}

	out, err := run(t, "", "--data-dir", dir, "sync")
	require.NoError(t, err)
	var res syncpkg.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, int32(3), calls.Load())

	out, err = run(t, "", "--data-dir", dir, "changes", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "broken")
	assert.NotContains(t, out, "invoices")
}

func TestCacheCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "", "--data-dir", dir, "cache", "list")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "", "--data-dir", dir, "cache", "clear")
	require.NoError(t, err)
	assert.Equal(t, "deleted 0 bucket(s)\n", out)
}

func TestInvalidFlag(t *testing.T) {
	_, err := run(t, "", "--data-dir", t.TempDir(), "--log-format", "xml", "changes", "list")
	assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
}

func TestServe(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>koalax</html>")
	}))
	defer origin.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.OriginURL = origin.URL
	cfg.APIBaseURL = origin.URL
	cfg.Manifest = []string{"/"}
	cfg.SyncInterval = time.Hour
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "", ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/_worker/status")
	require.NoError(t, err)
	var st worker.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, worker.StateActivated, st.State)
	assert.Equal(t, "koalax-v1", st.Cache)

	origin.Close()
	resp, err = http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>koalax</html>", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
