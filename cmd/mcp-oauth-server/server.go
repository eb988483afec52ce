package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/asibyl/mcp-oauth-server/internal/authserver"
	"github.com/asibyl/mcp-oauth-server/internal/clients"
)

type server struct {
	cfg      Config
	router   *chi.Mux
	engine   *authserver.Engine
	registry *clients.Store
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]pendingAuth
}

func newServer(cfg Config, engine *authserver.Engine, registry *clients.Store, logger *slog.Logger) *server {
	srv := &server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		engine:   engine,
		registry: registry,
		logger:   logger,
		pending:  make(map[string]pendingAuth),
	}

	// Set up middleware
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	// Register routes
	srv.routes()

	return srv
}

func (s *server) routes() {
	// Health check endpoint
	s.router.Get("/health", s.handleHealth())

	// Client registration
	s.router.Post("/register", s.handleRegister())

	// Device flow endpoints
	s.router.Post("/device/code", s.handleDeviceCode())
	s.router.Post("/token", s.handleToken())

	// Legacy browser bridge
	s.router.Get("/authorize", s.handleAuthorize())
	s.router.Get("/callback", s.handleCallback())

	// Bearer verification
	s.router.Post("/introspect", s.handleIntrospect())
	s.router.Get("/userinfo", s.handleUserInfo())
}
