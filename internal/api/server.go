// Package api serves the operational HTTP surface: health, status, manual
// job triggers, the error log and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/jobs"
	"example.com/buskercal/internal/store"
)

const (
	defaultErrorLimit = 10
	healthTimeout     = 3 * time.Second
)

// Schedule reports upcoming firings. *jobs.Scheduler implements it.
type Schedule interface {
	Next() map[domain.JobType]time.Time
}

// Server exposes the service's HTTP routes.
type Server struct {
	service  *jobs.Service
	schedule Schedule
	metrics  http.Handler
	logger   *slog.Logger
}

// NewServer wires the routes. schedule and metrics may be nil.
func NewServer(svc *jobs.Service, schedule Schedule, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: svc, schedule: schedule, metrics: metrics, logger: logger}
}

// Router configures all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/errors", s.handleErrors)
	r.Post("/jobs/{job}", s.handleTrigger)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "store": "connected"})
}

type jobStatus struct {
	LastRun *domain.RunMetadata `json:"last_run,omitempty"`
	NextRun *time.Time          `json:"next_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var next map[domain.JobType]time.Time
	if s.schedule != nil {
		next = s.schedule.Next()
	}
	status := make(map[domain.JobType]jobStatus, 2)
	for _, job := range []domain.JobType{domain.JobPublish, domain.JobReconcile} {
		var js jobStatus
		meta, err := s.service.LastRun(r.Context(), job)
		switch {
		case err == nil:
			js.LastRun = &meta
		case errors.Is(err, store.ErrNotFound):
		default:
			writeError(w, http.StatusServiceUnavailable, "read %s status: %v", job, err)
			return
		}
		if ts, ok := next[job]; ok && !ts.IsZero() {
			js.NextRun = &ts
		}
		status[job] = js
	}
	recent, err := s.service.RecentErrors(r.Context(), defaultErrorLimit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "read error log: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":          status,
		"recent_errors": nonNil(recent),
	})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultErrorLimit)
	if limit < 1 || limit > domain.MaxErrorLogEntries {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and %d", domain.MaxErrorLogEntries)
		return
	}
	entries, err := s.service.RecentErrors(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "read error log: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": nonNil(entries), "count": len(entries)})
}

// handleTrigger runs a job and returns its result. With async=true the run is
// started in the background and the handler answers 202 at once.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	job := domain.JobType(chi.URLParam(r, "job"))
	if !job.Valid() {
		writeError(w, http.StatusNotFound, "unknown job %q", job)
		return
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.service.Start(job); err != nil {
			writeError(w, http.StatusServiceUnavailable, "start %s: %v", job, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "accepted": true})
		return
	}

	res, err := s.service.Trigger(r.Context(), job)
	if errors.Is(err, jobs.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, "run %s: %v", job, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "run %s: %v", job, err)
		return
	}
	status := http.StatusOK
	if res.Status == domain.RunSkipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
