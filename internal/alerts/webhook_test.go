package alerts

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(t *testing.T, handler http.HandlerFunc, cooldown time.Duration) *Webhook {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWebhook(srv.URL, cooldown, log.New(io.Discard, "", 0))
}

func TestNotifyDelivers(t *testing.T) {
	var got Alert
	w := newTestWebhook(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "heartbeat_stale")
		got.Kind = "seen"
		rw.WriteHeader(http.StatusOK)
	}, time.Minute)

	err := w.Notify(context.Background(), Alert{
		Severity: SeverityWarning,
		Source:   "sentinel",
		Kind:     "heartbeat_stale",
		Message:  "watchdog heartbeat is 3m old",
	})
	require.NoError(t, err)
	assert.Equal(t, "seen", got.Kind)
}

func TestNotifyCooldownSuppressesDuplicates(t *testing.T) {
	var calls atomic.Int32
	w := newTestWebhook(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusOK)
	}, time.Minute)

	a := Alert{Severity: SeverityWarning, Source: "sentinel", Kind: "heartbeat_stale", Message: "stale"}
	require.NoError(t, w.Notify(context.Background(), a))
	require.NoError(t, w.Notify(context.Background(), a))
	assert.Equal(t, int32(1), calls.Load())

	// Advance past the cooldown; the alert fires again.
	base := time.Now()
	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, w.Notify(context.Background(), a))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifyCriticalBypassesCooldown(t *testing.T) {
	var calls atomic.Int32
	w := newTestWebhook(t, func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusOK)
	}, time.Hour)

	a := Alert{Severity: SeverityCritical, Source: "watchdog", Kind: "flatten", Message: "drawdown breach"}
	require.NoError(t, w.Notify(context.Background(), a))
	require.NoError(t, w.Notify(context.Background(), a))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifySurfacesServerError(t *testing.T) {
	w := newTestWebhook(t, func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}, time.Minute)

	err := w.Notify(context.Background(), Alert{Source: "watchdog", Kind: "flatten"})
	assert.Error(t, err)
}

func TestNotifyNoURLIsNoop(t *testing.T) {
	w := NewWebhook("", time.Minute, log.New(io.Discard, "", 0))
	assert.NoError(t, w.Notify(context.Background(), Alert{Kind: "anything"}))
}
