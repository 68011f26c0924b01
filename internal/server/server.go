// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware, and
// routes, and decides:
//   - Which URL patterns map to which handler
//   - Which middleware runs on which routes (the rate limiter and the token
//     guard only wrap POST /api/execute)
//   - How the server starts and stops gracefully
//
// ROUTES:
//
//	GET  /healthz              docker daemon reachable?
//	GET  /metrics              Prometheus exposition
//	POST /api/execute          run one snippet
//	GET  /api/languages        supported language ids
//	GET  /api/executions       execution history (when storage is enabled)
//	GET  /api/executions/{id}  one history entry
//
// DEPENDENCY INJECTION:
// The server builds nothing that talks to Docker or SQLite itself. cmd/server
// creates the coordinator, the history store and the token service and passes
// them in through Deps, so tests can hand the router fakes instead.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/code-sandbox/internal/auth"
	"github.com/sakif/code-sandbox/internal/executor"
	"github.com/sakif/code-sandbox/internal/handler"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxCodeBytes    int
	RateLimitRPS    float64 // zero disables rate limiting
	RateLimitBurst  int
}

// Deps are the components the routes are served by.
type Deps struct {
	Executor executor.Executor
	Registry *language.Registry
	Health   handler.Pinger
	// History is optional; without it the /api/executions routes are absent.
	History handler.HistoryService
	// Tokens is optional; with it /api/execute requires a bearer token.
	Tokens *auth.TokenService
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router *chi.Mux
	config Config
	deps   Deps
	logger *slog.Logger
}

// New builds the router. It never starts listening.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Executor == nil || deps.Registry == nil || deps.Health == nil {
		return nil, errors.New("server: executor, registry and health are required")
	}
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes registers
//
//	POST /api/execute            run code (rate limited, optionally authenticated)
//	GET  /api/languages          supported languages
//	GET  /api/executions         execution history
//	GET  /api/executions/{id}    one history record
//	GET  /healthz                container runtime reachability
//	GET  /metrics                Prometheus exposition
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}` + "\n"))
	})

	health := handler.NewHealthHandler(s.deps.Health, s.logger)
	s.router.Get("/healthz", health.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	execute := handler.NewExecuteHandler(s.deps.Executor, s.config.MaxCodeBytes, s.logger)
	languages := handler.NewLanguagesHandler(s.deps.Registry)

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.config.RateLimitRPS > 0 {
				limiter := middleware.NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)
				r.Use(limiter.Middleware(handler.TooManyRequests))
			}
			if s.deps.Tokens != nil {
				r.Use(auth.RequireAuth(s.deps.Tokens, handler.Unauthorized))
			}
			r.Post("/execute", execute.HandleExecute)
		})

		r.Get("/languages", languages.HandleList)

		if s.deps.History != nil {
			history := handler.NewHistoryHandler(s.deps.History, s.logger)
			r.Get("/executions", history.HandleList)
			r.Get("/executions/{id}", history.HandleGetByID)
		}
	})
}

// Run serves until ctx is done, then drains in-flight requests for up to
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.Bool("auth", s.deps.Tokens != nil),
			slog.Bool("history", s.deps.History != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown requested, draining requests",
			slog.Duration("timeout", s.config.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}
