package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnipost/beam/internal/api"
	"github.com/omnipost/beam/internal/attempt"
	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/auth"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/config"
	"github.com/omnipost/beam/internal/contact"
	"github.com/omnipost/beam/internal/db"
	"github.com/omnipost/beam/internal/delivery"
	"github.com/omnipost/beam/internal/events"
	"github.com/omnipost/beam/internal/metrics"
	"github.com/omnipost/beam/internal/preflight"
	"github.com/omnipost/beam/internal/scheduler"
	"github.com/omnipost/beam/internal/transport"
)

// App wires all engine components together.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	database  *db.DB
	attempts  *attempt.Store
	publisher events.Publisher
	sched     *scheduler.Scheduler
	apiServer *api.Server

	cleanupStop chan struct{}
	version     string
}

// New builds the application from configuration.
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	attempts, err := attempt.Open(cfg.Attempts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt store: %w", err)
	}

	channels, err := channel.NewRegistry(cfg.Overrides())
	if err != nil {
		return nil, err
	}

	transports, err := buildTransports(cfg, channels)
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.URL != "" {
		publisher, err = events.New(cfg.Events.URL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event broker: %w", err)
		}
	}

	m := metrics.New()
	repo := broadcast.NewRepository(database.DB)
	contacts := contact.NewSQLiteStore(database.DB)
	engine := audience.NewEngine(contacts)

	executor := delivery.NewExecutor(
		repo, engine, attempts, transports, channels, publisher, m,
		delivery.Config{
			MaxRetries:    cfg.Delivery.MaxRetries,
			RetryInterval: cfg.Delivery.RetryInterval,
		},
		logger,
	)

	sched := scheduler.New(repo, executor, m, cfg.Scheduler.StaleAfter, logger)
	checker := preflight.NewChecker(engine, channels)
	keys := auth.NewKeyStore(database.DB)

	apiServer := api.NewServer(repo, checker, sched, attempts, keys, m, &cfg.API, version, logger)

	return &App{
		config:      cfg,
		logger:      logger,
		database:    database,
		attempts:    attempts,
		publisher:   publisher,
		sched:       sched,
		apiServer:   apiServer,
		cleanupStop: make(chan struct{}),
		version:     version,
	}, nil
}

// buildTransports binds configured transports to their channels.
func buildTransports(cfg *config.Config, channels *channel.Registry) (*transport.Registry, error) {
	reg := transport.NewRegistry()
	for name, chCfg := range cfg.Channels {
		if chCfg.Transport == nil {
			continue
		}
		ch, err := channel.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("transport config: %w", err)
		}
		pol, err := channels.PolicyFor(ch)
		if err != nil {
			return nil, err
		}

		tc := chCfg.Transport
		switch tc.Kind {
		case "webhook":
			reg.Register(ch, transport.NewWebhook(tc.Endpoint, tc.Token, pol.SendTimeout))
		case "smtp":
			reg.Register(ch, transport.NewEmail(tc.Addr, tc.From, tc.Username, tc.Password, pol.SendTimeout))
		case "telegram":
			t, err := transport.NewTelegram(tc.BotToken, pol.SendTimeout)
			if err != nil {
				return nil, err
			}
			reg.Register(ch, t)
		}
	}
	return reg, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting beam",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"database", a.config.Database.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.sched.Start(ctx)
	if err := a.sched.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	go a.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first, then drain deliveries.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	close(a.cleanupStop)
	a.sched.Stop()

	if err := a.publisher.Close(); err != nil {
		a.logger.Error("event publisher close error", "error", err)
	}
	if err := a.attempts.Close(); err != nil {
		a.logger.Error("attempt store close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// cleanupLoop prunes old terminal attempts on the configured interval.
func (a *App) cleanupLoop() {
	if a.config.Attempts.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(a.config.Attempts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := a.attempts.CleanupTerminal(a.config.Attempts.Retention)
			if err != nil {
				a.logger.Error("attempt cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("attempt cleanup", "deleted", n)
			}
		case <-a.cleanupStop:
			return
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
