package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/report"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ResultProvider exposes the most recent successful run.
type ResultProvider interface {
	LastResult() (domain.Result, bool)
}

// Runner executes a cleaning run on demand.
type Runner interface {
	Run(ctx context.Context, q domain.Query) (domain.Result, error)
}

// Pipeline is everything the server needs from the cleaning pipeline.
type Pipeline interface {
	ReadinessChecker
	ResultProvider
	Runner
}

// Server exposes health, readiness, metrics and report endpoints.
type Server struct {
	httpServer *http.Server
	pipeline   Pipeline
	defaults   domain.Query
	logger     *slog.Logger
}

// NewServer creates an HTTP server. defaults fills in query fields that a
// POST /runs request leaves out.
func NewServer(addr string, p Pipeline, defaults domain.Query, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		pipeline: p,
		defaults: defaults,
		logger:   logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(p))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /report", s.handleReport)
	mux.HandleFunc("GET /occurrences.geojson", s.handleGeoJSON(func(r domain.Result) *geojson.FeatureCollection {
		return report.GeoJSON(r.Clean)
	}))
	mux.HandleFunc("GET /flagged.geojson", s.handleGeoJSON(func(r domain.Result) *geojson.FeatureCollection {
		return report.GeoJSON(r.Flagged)
	}))
	mux.HandleFunc("GET /excluded.geojson", s.handleGeoJSON(func(r domain.Result) *geojson.FeatureCollection {
		return report.ExcludedGeoJSON(r.Excluded)
	}))
	mux.HandleFunc("POST /runs", s.handleRun)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	result, ok := s.pipeline.LastResult()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no run has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report.BuildSummary(result))
}

func (s *Server) handleGeoJSON(build func(domain.Result) *geojson.FeatureCollection) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		result, ok := s.pipeline.LastResult()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no run has completed yet")
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(build(result)) //nolint:errcheck // client may have gone away
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	q := s.defaults
	params := r.URL.Query()
	if v := params.Get("species"); v != "" {
		q.Species = v
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		q.Limit = n
	}
	if v := params.Get("require_coords"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid require_coords: "+v)
			return
		}
		q.RequireCoords = b
	}

	result, err := s.pipeline.Run(r.Context(), q)
	if err != nil {
		s.logger.Warn("on-demand run failed", "species", q.Species, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report.BuildSummary(result))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSourceUnavailable), errors.Is(err, domain.ErrSchemaMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
