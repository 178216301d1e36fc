package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
)

// maxJobBody bounds the job_start request body.
const maxJobBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleStartJob is the job_start boundary: the body is validated into a
// JobSpec before any job state exists.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "read request body", nil)
		return
	}
	spec, err := manifest.ParseJSON(body, s.defaults)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JOB_SPEC", err.Error(), nil)
		return
	}

	rec, err := s.runner.Start(spec)
	if err != nil {
		var preErr *lifecycle.PreflightRejectedError
		var guardErr *lifecycle.WaitPatternRejectedError
		var spawnErr *lifecycle.SpawnError
		switch {
		case errors.As(err, &preErr):
			writeError(w, r, http.StatusUnprocessableEntity, lifecycle.ReasonPreflightRejected, err.Error(), map[string]any{
				"job": rec, "check": preErr.CheckType,
			})
		case errors.As(err, &guardErr):
			writeError(w, r, http.StatusUnprocessableEntity, lifecycle.ReasonWaitPatternRejected, err.Error(), map[string]any{
				"job": rec, "pattern": guardErr.Pattern,
			})
		case errors.As(err, &spawnErr):
			writeError(w, r, http.StatusInternalServerError, lifecycle.ReasonProcessSpawnFailed, err.Error(), map[string]any{
				"job": rec,
			})
		default:
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	if jobs == nil {
		jobs = []lifecycle.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) resolveJob(w http.ResponseWriter, r *http.Request) (*lifecycle.JobRecord, bool) {
	id, err := s.store.ResolveID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return nil, false
	}
	rec, err := s.store.Get(id)
	if err != nil {
		status := http.StatusInternalServerError
		code := "INTERNAL_ERROR"
		if errors.Is(err, lifecycle.ErrNotFound) {
			status, code = http.StatusNotFound, "NOT_FOUND"
		}
		writeError(w, r, status, code, err.Error(), nil)
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.History)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveJob(w, r)
	if !ok {
		return
	}
	stopped, err := s.runner.Stop(rec.JobID)
	if err != nil {
		writeError(w, r, http.StatusConflict, "NOT_RUNNING", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, stopped)
}

// notifyRequest is how the external task runner reports callback progress.
type notifyRequest struct {
	Phase string `json:"phase"`
}

// handleNotifyJob drives the externally-triggered transitions:
// callback_queued -> callback_running -> completed|failed.
func (s *Server) handleNotifyJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveJob(w, r)
	if !ok {
		return
	}

	var req notifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	var to lifecycle.State
	reason := ""
	switch req.Phase {
	case "running":
		to = lifecycle.StateCallbackRunning
	case "completed":
		to = lifecycle.StateCompleted
	case "failed":
		to = lifecycle.StateFailed
		reason = "callback task failed"
	default:
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "phase must be running, completed, or failed", nil)
		return
	}

	updated, err := s.store.Transition(rec.JobID, to, reason, map[string]any{"phase": req.Phase}, nil)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func decodeJSONBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
