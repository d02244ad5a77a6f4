// Package gateway exposes the Relay HTTP surface: chat and agent
// streaming endpoints, tool-server connection management, and the
// operational endpoints (health, metrics).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/connections"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
)

// ProviderResolver turns a model id and optional caller key into a
// ready provider. Satisfied by providers.Factory.
type ProviderResolver interface {
	Resolve(modelID, apiKey string) (agent.LLMProvider, error)
}

// Server is the Relay gateway server.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    *sessions.Store
	registry *connections.Registry
	factory  ProviderResolver
	jwt      *auth.JWTService

	httpServer *http.Server
}

// NewServer wires the gateway from its collaborators.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	store *sessions.Store,
	registry *connections.Registry,
	factory ProviderResolver,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		store:    store,
		registry: registry,
		factory:  factory,
		jwt:      auth.NewJWTService(cfg.Auth.JWTSecret, 24*time.Hour),
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the gateway's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /v1/chat", s.gate(s.handleChat))
	mux.Handle("POST /v1/agent", s.gate(s.handleAgent))

	mux.Handle("POST /v1/connect", s.identified(s.handleConnect))
	mux.Handle("POST /v1/disconnect", s.identified(s.handleDisconnect))
	mux.Handle("GET /v1/connections", s.identified(s.handleConnections))
	mux.Handle("POST /v1/tools/call", s.identified(s.handleToolCall))

	return s.withObservability(mux)
}

// withObservability tags each request with an id, logs it, and records
// request metrics.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.HTTPRequestCounter.WithLabelValues(
				r.Method, r.URL.Path, fmt.Sprintf("%d", sw.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(
				r.Method, r.URL.Path).Observe(elapsed.Seconds())
		}

		s.logger.Debug("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// statusWriter records the response status while passing Flush through
// so streaming handlers keep working behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start begins serving requests and blocks until the listener closes.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, then tears down every live
// tool connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.registry.Shutdown()
	return nil
}
