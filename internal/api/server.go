package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/procpool/internal/auth"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/telemetry"
)

// PoolSource reports the running pools.
type PoolSource interface {
	Status() []pool.Status
	Running() bool
}

// Publisher injects a message into the broker.
type Publisher interface {
	Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error
}

// TaskLog reads resolved tasks back from the journal.
type TaskLog interface {
	Tail(ctx context.Context, f storage.TailFilter) ([]telemetry.Task, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey protects everything except /healthz with every scope.
	APIKey string
	// Tokens are scoped keys. With no APIKey and no Tokens auth is off.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	pools     PoolSource
	publisher Publisher
	tasks     TaskLog
	events    *events.Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Option configures optional collaborators.
type Option func(*Server)

// WithPublisher enables POST /queues/{queue}.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithTaskLog enables GET /tasks.
func WithTaskLog(t TaskLog) Option {
	return func(s *Server) { s.tasks = t }
}

// WithGatherer sets the registry served on /metrics. Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a new API server instance
func New(config Config, pools PoolSource, hub *events.Hub, logger *slog.Logger, opts ...Option) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	s := &Server{
		config:    config,
		pools:     pools,
		events:    hub,
		gatherer:  prometheus.DefaultGatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	if !s.authEnabled() {
		s.logger.Warn("no api_key or tokens configured, API endpoints are unauthenticated")
	}

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
		// Open event streams end with ctx instead of holding Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
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

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScope(auth.ScopePublish)).Post("/queues/{queue}", s.handlePublish)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeStatusRead))
			r.Get("/pools", s.handleListPools)
			r.Get("/pools/{group}", s.handleGetPool)
			r.Get("/tasks", s.handleTasks)
			r.Get("/events", s.handleEvents)
			r.Get("/openapi.json", s.handleOpenAPI)
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
