// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/jobs"
	"github.com/socialintel/engine/internal/metrics"
	"github.com/socialintel/engine/internal/pipeline"
	"github.com/socialintel/engine/internal/reddit"
)

// Runner executes one analysis run. Satisfied by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, progress func(string)) (pipeline.Summary, error)
}

// Server wires HTTP handlers to the job manager and pipeline.
type Server struct {
	router  chi.Router
	manager *jobs.Manager
	runner  Runner
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manager *jobs.Manager, runner Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		runner:  runner,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", s.submitAnalysis)
			r.Get("/{job_id}", s.getAnalysis)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analysisRequest struct {
	Domain string `json:"domain"`
	// Competitors are optional hints; entries may be names or bare domains.
	Competitors []string `json:"competitors,omitempty"`
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Domain = strings.TrimSpace(req.Domain)
	if req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	job, err := s.manager.Create(req.Domain)
	if errors.Is(err, jobs.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Fire-and-forget: the run is decoupled from the request context.
	go s.execute(job.ID, pipeline.Request{Domain: req.Domain, Competitors: req.Competitors})

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) execute(jobID string, req pipeline.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("analysis panicked", zap.String("job_id", jobID), zap.Any("panic", rec))
			_ = s.manager.Fail(jobID, "analysis failed: internal error")
		}
	}()

	if err := s.manager.Start(jobID); err != nil {
		s.logger.Error("start job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	summary, err := s.runner.Run(context.Background(), req, func(stage string) {
		_ = s.manager.SetProgress(jobID, stage)
	})
	if err != nil {
		s.logger.Warn("analysis failed", zap.String("job_id", jobID), zap.Error(err))
		_ = s.manager.Fail(jobID, failureMessage(err))
		return
	}
	_ = s.manager.Complete(jobID, summary)
}

// failureMessage maps component errors onto the user-visible failure label.
func failureMessage(err error) string {
	var authErr *reddit.AuthError
	var reqErr *reddit.RequestError
	var cfgErr *reddit.ConfigError
	switch {
	case errors.As(err, &authErr):
		return "content provider authentication failed: " + err.Error()
	case errors.As(err, &reqErr):
		return "content provider request failed: " + err.Error()
	case errors.As(err, &cfgErr):
		return "configuration error: " + err.Error()
	}
	return "analysis failed: " + err.Error()
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
