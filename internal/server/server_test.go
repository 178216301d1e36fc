package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
	"github.com/runward/runward/pkg/taskqueue"
	"github.com/runward/runward/pkg/watcher"
)

func testServer(t *testing.T) (*Server, *lifecycle.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := lifecycle.NewStore(t.TempDir())
	sup := watcher.NewSupervisor(ctx, store, taskqueue.NewMemory(), nil, nil, watcher.Options{})
	return New("127.0.0.1", 0, store, sup, manifest.StandardDefaults(), nil, "test"), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndVersion(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "test", v["version"])
}

func TestServer_NotFoundEnvelope(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/version", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_StartJob(t *testing.T) {
	srv, store := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", []byte(`{"command":"echo hi"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	var job lifecycle.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, lifecycle.StateRunning, job.State)

	stored, err := store.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", stored.Command)
}

func TestServer_StartJobRejectsMalformedSpec(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing command", `{"watch":{"everySec":5}}`},
		{"malformed json", `{"command":`},
		{"bad onMissing", `{"command":"echo hi","watch":{"onMissing":"ignore"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "INVALID_JOB_SPEC", body.Error.Code)
		})
	}
}

func TestServer_StartJobPreflightRejection(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"command":"echo hi","preflight":[{"type":"path_exists","params":{"path":"/definitely/not/here"}}]}`
	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", []byte(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lifecycle.ReasonPreflightRejected, resp.Error.Code)
	assert.Equal(t, "path_exists", resp.Error.Details["check"])
}

func TestServer_GetListHistory(t *testing.T) {
	srv, store := testServer(t)

	spec := &manifest.JobSpec{ConversationKey: "local", Command: "true", Watch: manifest.WatchSpec{
		EverySec: 20, TailLines: 40, ReadyTimeoutSec: 600, ReadyPollSec: 5,
		OnMissing: manifest.OnMissingBlock, RunTasks: true,
	}}
	require.NoError(t, store.Create(lifecycle.NewRecord("job-abc-123", spec)))

	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []lifecycle.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)

	// Short-id prefix resolution works over HTTP too.
	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs/job-abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs/job-abc-123/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []lifecycle.StateChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, lifecycle.StateQueued, history[0].State)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StopNonRunningConflicts(t *testing.T) {
	srv, store := testServer(t)

	spec := &manifest.JobSpec{ConversationKey: "local", Command: "true", Watch: manifest.WatchSpec{
		EverySec: 20, TailLines: 40, ReadyTimeoutSec: 600, ReadyPollSec: 5,
		OnMissing: manifest.OnMissingBlock, RunTasks: true,
	}}
	require.NoError(t, store.Create(lifecycle.NewRecord("job-queued", spec)))

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs/job-queued/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_NotifyDrivesCallbackTransitions(t *testing.T) {
	srv, store := testServer(t)

	spec := &manifest.JobSpec{ConversationKey: "local", Command: "true", Watch: manifest.WatchSpec{
		EverySec: 20, TailLines: 40, ReadyTimeoutSec: 600, ReadyPollSec: 5,
		OnMissing: manifest.OnMissingBlock, RunTasks: true, ThenTask: "analyze",
	}}
	require.NoError(t, store.Create(lifecycle.NewRecord("job-cb", spec)))
	_, err := store.Transition("job-cb", lifecycle.StateRunning, "", nil, func(r *lifecycle.JobRecord) { r.PID = 4242 })
	require.NoError(t, err)
	zero := 0
	_, err = store.Transition("job-cb", lifecycle.StateExited, "", nil, func(r *lifecycle.JobRecord) { r.ExitCode = &zero })
	require.NoError(t, err)
	_, _, err = store.EnqueueCallbackOnce("job-cb", "analyze", func(ck, text, id string) (string, error) {
		return "task-1", nil
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs/job-cb/notify", []byte(`{"phase":"running"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/jobs/job-cb/notify", []byte(`{"phase":"completed"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get("job-cb")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, got.State)

	// Completed is terminal; another notify is an invalid transition.
	rec = doJSON(t, srv, http.MethodPost, "/v1/jobs/job-cb/notify", []byte(`{"phase":"completed"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	h := RequestID(Recovery(srv.logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Contains(t, body.Error.Message, "panic: boom")
	assert.Equal(t, "req-123", body.Error.RequestID)
}
