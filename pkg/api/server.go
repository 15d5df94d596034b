// Package api exposes the guardrail pipelines over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odvcencio/guardrail/pkg/config"
	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/storage"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

const maxRequestBytes = 8 << 20

// AuditReader reads stored audit records. *storage.Store satisfies it.
type AuditReader interface {
	GetAudit(ctx context.Context, id string) (*storage.AuditRecord, error)
	ListAudits(ctx context.Context, f storage.AuditFilter) ([]*storage.AuditRecord, error)
	CountAuditOutcomes(ctx context.Context) (map[string]map[string]int, error)
}

// Server is the guardrail API server.
type Server struct {
	orch       *guardrail.Orchestrator
	audits     AuditReader
	metrics    *telemetry.Metrics
	hub        *telemetry.Hub
	logger     *logging.Logger
	settings   *config.Manager
	ready      func(context.Context) error
	router     chi.Router
	httpServer *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:4490)
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Orchestrator *guardrail.Orchestrator

	// Optional collaborators. Endpoints that need a missing one answer 503.
	Audits   AuditReader
	Metrics  *telemetry.Metrics
	Hub      *telemetry.Hub
	Logger   *logging.Logger
	Settings *config.Manager

	// Ready reports whether dependencies are reachable.
	Ready func(context.Context) error
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = config.DefaultBind
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	s := &Server{
		orch:     cfg.Orchestrator,
		audits:   cfg.Audits,
		metrics:  cfg.Metrics,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		settings: cfg.Settings,
		ready:    cfg.Ready,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.withLogging)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(withBodyLimit)
		r.Post("/sql", s.handleSQL)
		r.Post("/classify", s.handleClassify)
		r.Post("/chart", s.handleChart)
		r.Post("/report", s.handleReport)
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.handleListAudits)
			r.Get("/stats", s.handleAuditStats)
			r.Get("/{id}", s.handleGetAudit)
		})
		r.Get("/limits", s.handleLimits)
		r.Get("/events", s.handleEvents)
	})
	s.router = router

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(logging.CategoryServer, "listening", s.httpServer.Addr, nil)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug(logging.CategoryServer, "request", r.Method+" "+r.URL.Path, map[string]any{
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"remote":      r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "orchestrator not initialized"})
		return
	}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
