// Package server exposes the job_start boundary and job management over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
)

// JobRunner is the supervisor surface the handlers need.
type JobRunner interface {
	Start(spec *manifest.JobSpec) (*lifecycle.JobRecord, error)
	Stop(jobID string) (*lifecycle.JobRecord, error)
}

// Server is the HTTP surface for the job lifecycle core.
type Server struct {
	host     string
	port     int
	store    *lifecycle.Store
	runner   JobRunner
	defaults manifest.Defaults
	logger   *zap.Logger
	version  string
	router   chi.Router
}

// New assembles the router. version is reported on /version.
func New(host string, port int, store *lifecycle.Store, runner JobRunner, defaults manifest.Defaults, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		host:     host,
		port:     port,
		store:    store,
		runner:   runner,
		defaults: defaults,
		logger:   logger,
		version:  version,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Port() int { return s.port }

// Handler returns the fully-wired HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery(s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleStartJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/history", s.handleJobHistory)
			r.Post("/stop", s.handleStopJob)
			r.Post("/notify", s.handleNotifyJob)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains with the given shutdown
// timeout.
func (s *Server) Run(ctx context.Context, readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
