package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopAPISettings(t *testing.T) {
	b := newTestBackend(t, "pop")
	b.handle("pop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"ok": true,
			"pop": map[string]interface{}{
				"max_delay": 60.0,
				"max_lines": 500,
				"submission": map[string]interface{}{
					"min_delay":   15.0,
					"error_delay": 60.0,
				},
			},
		})
	})

	popAPI := NewPopAPI(b.client(t))
	settings, err := popAPI.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, settings.MaxDelay)
	assert.Equal(t, 500, settings.MaxLines)
	assert.Equal(t, 15*time.Second, settings.SubmitDelay)
	assert.Equal(t, time.Minute, settings.ErrorDelay)
}

func TestPopAPISubmit(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "submit-0123.log")
	require.NoError(t, os.WriteFile(segment, []byte("line 1\nline 2\n"), 0o644))

	var gotQueueSize, gotUpload string
	b := newTestBackend(t, "pop")
	b.handle("pop", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotQueueSize = r.FormValue("queue_size")

		file, _, err := r.FormFile("pop-v1")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		gotUpload = string(content)

		writeJSON(w, map[string]interface{}{
			"ok":  true,
			"pop": map[string]interface{}{"disabled": false},
		})
	})

	popAPI := NewPopAPI(b.client(t))
	result, err := popAPI.Submit(context.Background(), segment, 3)
	require.NoError(t, err)
	assert.False(t, result.Disabled)
	assert.Equal(t, "3", gotQueueSize)
	assert.Equal(t, "line 1\nline 2\n", gotUpload)
}

func TestPopAPISubmitDisabled(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "submit-0123.log")
	require.NoError(t, os.WriteFile(segment, []byte("line 1\n"), 0o644))

	b := newTestBackend(t, "pop")
	b.handle("pop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"ok":  true,
			"pop": map[string]interface{}{"disabled": true},
		})
	})

	popAPI := NewPopAPI(b.client(t))
	result, err := popAPI.Submit(context.Background(), segment, 1)
	require.NoError(t, err)
	assert.True(t, result.Disabled)
}
