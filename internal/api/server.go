// Package api exposes a read-only HTTP surface over the dispatch
// subsystem: liveness, coordinator/pool status, and batch progress.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oyerindedaniel/glide-sub000/internal/ledger"
)

// CoordinatorStatus reports routing state.
type CoordinatorStatus interface {
	Status() (activeRequests, activeClients int)
}

// PoolStats reports worker lease state.
type PoolStats interface {
	Stats() (leased, free, waiting, orphans int)
}

// BatchLedger reports per-file batch bookkeeping.
type BatchLedger interface {
	Snapshot(ctx context.Context) ([]ledger.FileRecord, error)
	Progress(ctx context.Context) (float64, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP status server.
type Server struct {
	config      Config
	coordinator CoordinatorStatus
	pool        PoolStats
	ledger      BatchLedger
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a status server. ledger may be nil when no batch has run.
func New(config Config, coord CoordinatorStatus, pool PoolStats, led BatchLedger, logger *slog.Logger) *Server {
	return &Server{
		config:      config,
		coordinator: coord,
		pool:        pool,
		ledger:      led,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/batches", s.handleBatches)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// HealthzResponse is the /healthz payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// StatusResponse is the /v1/status payload.
type StatusResponse struct {
	ActiveRequests int `json:"active_requests"`
	ActiveClients  int `json:"active_clients"`
	WorkersLeased  int `json:"workers_leased"`
	WorkersFree    int `json:"workers_free"`
	Waiting        int `json:"waiting"`
	Orphans        int `json:"orphans"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requests, clients := s.coordinator.Status()
	leased, free, waiting, orphans := s.pool.Stats()
	respondJSON(w, http.StatusOK, StatusResponse{
		ActiveRequests: requests,
		ActiveClients:  clients,
		WorkersLeased:  leased,
		WorkersFree:    free,
		Waiting:        waiting,
		Orphans:        orphans,
	})
}

// BatchesResponse is the /v1/batches payload.
type BatchesResponse struct {
	Progress float64             `json:"progress"`
	Files    []ledger.FileRecord `json:"files"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondJSON(w, http.StatusOK, BatchesResponse{Files: []ledger.FileRecord{}})
		return
	}
	files, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to read batch snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read batch snapshot")
		return
	}
	progress, err := s.ledger.Progress(r.Context())
	if err != nil {
		s.logger.Error("failed to compute batch progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute batch progress")
		return
	}
	if files == nil {
		files = []ledger.FileRecord{}
	}
	respondJSON(w, http.StatusOK, BatchesResponse{Progress: progress, Files: files})
}

// ErrorResponse is the JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
