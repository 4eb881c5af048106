// Package server wires handlers, middleware, and routes, and owns startup
// and graceful shutdown. main stays minimal; everything testable lives here
// or below.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/agent-sandbox/internal/auth"
	"github.com/sakif/agent-sandbox/internal/handler"
	"github.com/sakif/agent-sandbox/internal/middleware"
	"github.com/sakif/agent-sandbox/internal/platform"
	"github.com/sakif/agent-sandbox/internal/registry"
	"github.com/sakif/agent-sandbox/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port        int
	JWTSecret   string // empty disables authentication
	ModulesPath string // mount point for tool modules inside environments
}

// Server is the HTTP facade over the session registry.
type Server struct {
	router   *chi.Mux
	config   Config
	logger   *slog.Logger
	registry *registry.Registry
}

// New assembles the server: registry on top of the given platform, handlers
// on top of the registry, routes on top of the handlers.
func New(cfg Config, logger *slog.Logger, p platform.Platform) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		registry: registry.New(p, logger, session.Options{
			ModulesPath: cfg.ModulesPath,
		}),
	}

	if err := s.setupRoutes(); err != nil {
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// setupRoutes configures middleware and route handlers.
//
//	POST   /api/sessions/{id}/execute/code   run code in the session
//	POST   /api/sessions/{id}/execute/shell  run a one-shot shell command
//	DELETE /api/sessions/{id}                release the session
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var requireAuth func(http.Handler) http.Handler
	if s.config.JWTSecret != "" {
		tokens, err := auth.NewTokenService(s.config.JWTSecret)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		requireAuth = auth.RequireAuth(tokens)
	} else {
		s.logger.Warn("JWT secret not set, authentication is disabled")
	}

	sessionHandler := handler.NewSessionHandler(s.registry, s.logger)

	s.router.Route("/api/sessions/{id}", func(r chi.Router) {
		if requireAuth != nil {
			r.Use(requireAuth)
		}
		r.Post("/execute/code", sessionHandler.HandleExecuteCode)
		r.Post("/execute/shell", sessionHandler.HandleExecuteShell)
		r.Delete("/", sessionHandler.HandleRelease)
	})

	return nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully: stop accepting connections, wait for in-flight requests, and
// release every live session so no environments are leaked.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // execution calls block until the timeout bound
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", slog.Int("port", s.config.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		s.registry.Shutdown(ctx)
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
