// Package server provides the admin HTTP server for the ephemeral stores.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/ephemeral/telemetry"
	"github.com/wolfeidau/ephemeral/transient"
)

// Collector runs and reports transient garbage collection.
type Collector interface {
	RunNow(ctx context.Context) *transient.Run
	Status() *transient.Run
}

// KVNames lists the kv stores created so far.
type KVNames interface {
	Names() []string
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken protects every route except /healthz and /metrics when set.
	AuthToken string

	// Transient lists the transient stores reported by /stats.
	Transient transient.StoreSource

	// KV lists the kv stores reported by /stats. Optional.
	KV KVNames

	// Collector serves /gc. Optional.
	Collector Collector

	// Logger for the server
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Transient == nil {
		return nil, errors.New("server: transient store source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // GC over large content areas
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /gc", s.handleGCStatus)
	mux.HandleFunc("POST /gc", s.handleGCRun)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the body of GET /stats.
type statsResponse struct {
	Transient []transient.Stats `json:"transient"`
	KVStores  []string          `json:"kv_stores,omitempty"`
	LastGC    *transient.Run    `json:"last_gc,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Transient: []transient.Stats{}}
	for _, store := range s.config.Transient.Stores() {
		st, err := store.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to collect stats", "store", store.Name(), "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Transient = append(resp.Transient, st)
	}
	if s.config.KV != nil {
		resp.KVStores = s.config.KV.Names()
	}
	if s.config.Collector != nil {
		resp.LastGC = s.config.Collector.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGCStatus(w http.ResponseWriter, _ *http.Request) {
	if s.config.Collector == nil {
		writeError(w, http.StatusNotFound, errors.New("gc not enabled"))
		return
	}
	run := s.config.Collector.Status()
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	if s.config.Collector == nil {
		writeError(w, http.StatusNotFound, errors.New("gc not enabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.config.Collector.RunNow(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// probes are noisy
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		telemetry.RecordHTTP(r.Context(), routeOf(r), wrapped.status, duration)
	})
}

// routeOf returns a low cardinality route label.
func routeOf(r *http.Request) string {
	switch r.URL.Path {
	case "/healthz", "/stats", "/gc", "/metrics":
		return r.URL.Path
	default:
		return "other"
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
