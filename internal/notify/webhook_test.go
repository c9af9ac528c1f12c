package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	messages []string
}

func (c *capture) add(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.messages...)
}

func newWebhookServer(t *testing.T) (*httptest.Server, *capture) {
	t.Helper()
	caught := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		caught.add(payload["content"])
	}))
	t.Cleanup(server.Close)
	return server, caught
}

func TestNotify(t *testing.T) {
	server, caught := newWebhookServer(t)

	err := NewWebhookNotifier(server.URL).Notify(context.Background(), "flag captured")
	require.NoError(t, err)
	assert.Equal(t, []string{"flag captured"}, caught.snapshot())
}

func TestNotifyUnconfigured(t *testing.T) {
	err := NewWebhookNotifier("").Notify(context.Background(), "anything")
	assert.Error(t, err)
}

func TestNotifyServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewWebhookNotifier(server.URL).Notify(context.Background(), "anything")
	assert.Error(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestWebhookHandlerMirrorsInfo(t *testing.T) {
	server, caught := newWebhookServer(t)

	handler := NewWebhookHandler(slog.NewTextHandler(io.Discard, nil), NewWebhookNotifier(server.URL))
	logger := slog.New(handler)

	logger.Info("scheduled exploit", "exploit_id", "high:ground")
	waitFor(t, func() bool { return len(caught.snapshot()) == 1 })
	assert.Equal(t, "scheduled exploit exploit_id=high:ground", caught.snapshot()[0])
}

func TestWebhookHandlerSkipsDebug(t *testing.T) {
	server, caught := newWebhookServer(t)

	handler := NewWebhookHandler(slog.NewTextHandler(io.Discard, nil), NewWebhookNotifier(server.URL))
	slog.New(handler).Debug("noise")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, caught.snapshot())
}

func TestWebhookHandlerWithAttrs(t *testing.T) {
	server, caught := newWebhookServer(t)

	handler := NewWebhookHandler(slog.NewTextHandler(io.Discard, nil), NewWebhookNotifier(server.URL))
	logger := slog.New(handler).With("component", "reconciler")

	logger.Info("iteration done")
	waitFor(t, func() bool { return len(caught.snapshot()) == 1 })
	assert.Equal(t, "iteration done component=reconciler", caught.snapshot()[0])
}
