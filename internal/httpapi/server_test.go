package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunesmith/internal/dispatch"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/memory"
	"tunesmith/internal/tasklog"
)

type fakeSubmitter struct {
	ack    string
	taskID string
	err    error

	lastSession string
	lastText    string
}

func (f *fakeSubmitter) Submit(sessionID, userText string) (string, string, error) {
	f.lastSession = sessionID
	f.lastText = userText
	return f.ack, f.taskID, f.err
}

func (f *fakeSubmitter) Stats() dispatch.Stats {
	return dispatch.Stats{Submitted: 7, Completed: 5, Workers: 2}
}

func (f *fakeSubmitter) Recent() []dispatch.Outcome {
	return []dispatch.Outcome{{TaskID: "t-1", SessionID: "sess-1", State: dispatch.StateCompleted}}
}

func newTestServer(t *testing.T, sub Submitter, withLog bool) *Server {
	t.Helper()
	store := knowledge.NewMemoryStore(nil)
	_, err := store.Append(knowledge.Song{
		Title: "Hurt", Artist: "Johnny Cash", Mood: "sad",
		Album: "American IV", Year: 2002, Provenance: knowledge.ProvenanceLocal,
	})
	require.NoError(t, err)

	var log *tasklog.Log
	if withLog {
		log, err = tasklog.Open(filepath.Join(t.TempDir(), "log.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { log.Close() })
	}

	return NewServer(sub, store, memory.NewManager(50, 10*time.Minute, nil), log, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecommendAccepted(t *testing.T) {
	sub := &fakeSubmitter{ack: "On it!", taskID: "task-42"}
	srv := newTestServer(t, sub, false)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/recommend",
		map[string]string{"session_id": "sess-1", "text": "something sad"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp recommendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "On it!", resp.Ack)
	assert.Equal(t, "task-42", resp.TaskID)
	assert.Equal(t, "sess-1", sub.lastSession)
	assert.Equal(t, "something sad", sub.lastText)
}

func TestRecommendValidation(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)
	router := srv.Router()

	for name, body := range map[string]map[string]string{
		"missing session": {"text": "x"},
		"missing text":    {"session_id": "s"},
		"blank text":      {"session_id": "s", "text": "   "},
	} {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/recommend", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRecommendBusyMapsTo429(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{err: dispatch.ErrBusy}, false)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/recommend",
		map[string]string{"session_id": "sess-1", "text": "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.Dispatcher.Submitted)
	assert.Equal(t, 1, stats.Store.TotalSongs)
}

func TestDeleteSong(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/admin/songs/delete",
		map[string]string{"title": "HURT", "artist": "johnny cash"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["deleted"])

	// Second delete is a no-op.
	rec = doJSON(t, router, http.MethodPost, "/admin/songs/delete",
		map[string]string{"title": "HURT", "artist": "johnny cash"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["deleted"])
}

func TestAdminStatsDisabled(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/admin/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStatsEnabled(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, true)
	require.NoError(t, srv.tasklog.RecordInteraction(
		context.Background(), "sess-1", "hi", "hello", "find_music"))

	rec := doJSON(t, srv.Router(), http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats tasklog.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalUsers)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/admin/interactions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResetSession(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)
	srv.memory.Record("sess-1", []knowledge.Song{{Title: "Hurt", Artist: "Johnny Cash"}})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/reset",
		map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, srv.memory.Delivered("sess-1"))
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, false)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
