package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

func newHostedBackend(t *testing.T, uses int) (*testBackend, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	b := newTestBackend(t, "api_key")

	var keyFetches, apiCalls atomic.Int64
	b.mux.HandleFunc("/api/api_key", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "device-token", r.URL.Query().Get("on_device_token"))
		keyFetches.Add(1)
		writeJSON(w, map[string]interface{}{
			"ok": true,
			"api_key": map[string]interface{}{
				"api_key":  "adhoc-key",
				"uses":     uses,
				"expire":   3600,
				"base_url": b.server.URL + "/hosted/",
			},
		})
	})
	b.mux.HandleFunc("/hosted/info", func(w http.ResponseWriter, r *http.Request) {
		_, key, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "adhoc-key", key)
		apiCalls.Add(1)
		writeJSON(w, map[string]interface{}{"answer": 42})
	})
	return b, &keyFetches, &apiCalls
}

func TestHostedKeyReuse(t *testing.T) {
	b, keyFetches, apiCalls := newHostedBackend(t, 10)
	h := NewHosted(b.client(t), "device-token", zaptest.NewLogger(t).Sugar())

	for i := 0; i < 5; i++ {
		raw, err := h.Get(context.Background(), "info", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"answer": 42}`, string(raw))
	}

	// One minted key serves all calls within its use budget.
	assert.EqualValues(t, 1, keyFetches.Load())
	assert.EqualValues(t, 5, apiCalls.Load())
}

func TestHostedKeyRefreshWhenUsedUp(t *testing.T) {
	b, keyFetches, _ := newHostedBackend(t, 2)
	h := NewHosted(b.client(t), "device-token", zaptest.NewLogger(t).Sugar())

	for i := 0; i < 4; i++ {
		_, err := h.Get(context.Background(), "info", nil)
		require.NoError(t, err)
	}

	// A 2-use key needs a refresh every second call.
	assert.EqualValues(t, 2, keyFetches.Load())
}

func TestHostedRefreshCooldown(t *testing.T) {
	b := newTestBackend(t, "api_key")
	b.mux.HandleFunc("/api/api_key", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"ok": false, "error": "not allowed"})
	})
	h := NewHosted(b.client(t), "device-token", zaptest.NewLogger(t).Sugar())

	_, err := h.Get(context.Background(), "info", nil)
	require.Error(t, err)
	assert.True(t, errors.IsAPI(err))

	// The immediate retry is blocked by the refresh cooldown, without
	// another request to the key endpoint.
	_, err = h.Get(context.Background(), "info", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot retrieve API key")
}
