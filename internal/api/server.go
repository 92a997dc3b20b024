package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omnipost/beam/internal/attempt"
	"github.com/omnipost/beam/internal/auth"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/config"
	"github.com/omnipost/beam/internal/metrics"
	"github.com/omnipost/beam/internal/preflight"
	"github.com/omnipost/beam/internal/scheduler"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	repo       *broadcast.Repository
	checker    *preflight.Checker
	sched      *scheduler.Scheduler
	attempts   *attempt.Store
	keys       *auth.KeyStore
	metrics    *metrics.Metrics
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(
	repo *broadcast.Repository,
	checker *preflight.Checker,
	sched *scheduler.Scheduler,
	attempts *attempt.Store,
	keys *auth.KeyStore,
	m *metrics.Metrics,
	cfg *config.APIConfig,
	version string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		repo:      repo,
		checker:   checker,
		sched:     sched,
		attempts:  attempts,
		keys:      keys,
		metrics:   m,
		config:    cfg,
		logger:    logger.With("component", "api"),
		version:   version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// No auth required
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Post("/audience-preview", s.handleAudiencePreview)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Patch("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
				r.Post("/preflight", s.handlePreflight)
				r.Post("/send", s.handleSend)
				r.Post("/cancel", s.handleCancel)
				r.Get("/attempts", s.handleAttempts)
			})
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
