// Package api serves the local control surface: message submission and
// inspection, pipeline status, an SSE event feed and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calebward/agentlink/internal/events"
	"github.com/calebward/agentlink/internal/journal"
	"github.com/calebward/agentlink/internal/metrics"
	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/service"
)

// Gateway is the service surface the API exposes over HTTP.
// Satisfied by *service.Service.
type Gateway interface {
	Submit(req service.SubmitRequest) (string, error)
	Cancel(id string) (queue.Message, bool)
	Get(ctx context.Context, id string) (queue.Message, bool)
	Status() service.Status
	Hub() *events.Hub
	Journal() *journal.Journal
	Metrics() *metrics.Metrics
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token protecting everything except /healthz.
	// Empty disables authentication (loopback-only deployments).
	APIKey string
}

// Server is the HTTP control server.
type Server struct {
	config    Config
	gateway   Gateway
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, gw Gateway, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		gateway:   gw,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/messages", s.handleSubmit)
		r.Get("/v1/messages", s.handleRecent)
		r.Get("/v1/messages/{messageID}", s.handleGetMessage)
		r.Delete("/v1/messages/{messageID}", s.handleCancel)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/events", s.handleEvents)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.gateway.Metrics().Registry(),
			promhttp.HandlerOpts{},
		))
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
