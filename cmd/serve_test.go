package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/docsight/internal/store"
)

func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(t.Context()))
	t.Cleanup(func() { st.Close() })
	return &appEnv{Store: st}
}

func TestServeHealth(t *testing.T) {
	env := newTestEnv(t)
	mux := newServeMux(t.Context(), env)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServePostJob_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	mux := newServeMux(t.Context(), env)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"document_path":""}`)
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "required")
}

func TestServePostJob_BadBody(t *testing.T) {
	env := newTestEnv(t)
	mux := newServeMux(t.Context(), env)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeListJobs(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.CreateJob(t.Context(), "/docs/scan.pdf", "/schemas/invoice.json")
	require.NoError(t, err)

	mux := newServeMux(t.Context(), env)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "/docs/scan.pdf", jobs[0].DocumentPath)
}

func TestServeGetJob(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateJob(t.Context(), "/docs/scan.pdf", "/schemas/invoice.json")
	require.NoError(t, err)

	mux := newServeMux(t.Context(), env)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, store.JobStatusQueued, job.Status)
}

func TestServeGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)
	mux := newServeMux(t.Context(), env)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/no-such-id", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeJobTrace_Empty(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateJob(t.Context(), "/docs/scan.pdf", "/schemas/invoice.json")
	require.NoError(t, err)

	mux := newServeMux(t.Context(), env)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID+"/trace", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
