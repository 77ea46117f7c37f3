package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/history"
)

func TestOpenSearchSink_PostsDocument(t *testing.T) {
	var got history.Event
	var path string
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, _ = r.BasicAuth()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(Options{URL: srv.URL + "/", Username: "ops", Password: "pw"})
	now := time.Now().UTC().Truncate(time.Second)
	err := s.Send(context.Background(), history.Event{Type: history.EventRestart, OccurredAt: now, Name: "bot", PID: 9, RestartCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "/watchdog-history/_doc", path)
	assert.Equal(t, "ops", user)
	assert.Equal(t, "pw", pass)
	assert.Equal(t, history.EventRestart, got.Type)
	assert.Equal(t, 2, got.RestartCount)
	assert.True(t, now.Equal(got.OccurredAt))
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index closed", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(Options{URL: srv.URL, Index: "idx"}).Send(context.Background(), history.Event{Type: history.EventFatal})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "index closed")
}
