// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it connects handlers, middleware, and routes.
// It decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go reads the environment into a Config, then New() builds:
//
//	sqlite.DB ─┬─> AuthService ──────> AuthHandler, UserHandler
//	           ├─> ChatroomService ──> ChatroomHandler ─┐
//	           └─> MessageService ───> MessageHandler   ├─> SubscriptionHandler
//	pubsub.Registry ─────────────────────────────────────┘
//	TokenService ─> Gate ─> RequireUser middleware on every /api and /ws route
//
// This is the "composition root" pattern: all dependencies are wired in one
// place, rather than scattered across the codebase.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/handler"
	"github.com/sakif/messenger/internal/middleware"
	"github.com/sakif/messenger/internal/pubsub"
	sqliteRepo "github.com/sakif/messenger/internal/repository/sqlite"
	"github.com/sakif/messenger/internal/service"
)

// Config holds server configuration.
type Config struct {
	Port   int
	DBPath string // path to the SQLite database file, or ":memory:"

	JWTSecret    string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CookieSecure bool // set the Secure flag on token cookies (HTTPS only)

	SubscriberBuffer int // per-subscription event queue
	LoginRatePerMin  int // login/register attempts per minute per IP; 0 disables

	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection, the subscription registry and the
// rate limiter's sweeper goroutine. Close releases all three; Start calls it
// during graceful shutdown.
type Server struct {
	router   *chi.Mux
	config   Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	registry *pubsub.Registry
	limiter  *middleware.RateLimiter
	metrics  *prometheus.Registry
}

// New creates a new Server with the given config.
//
// IMPORT ALIAS:
// repository/sqlite is imported as `sqliteRepo` to avoid confusion with the
// sqlite driver package.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = auth.DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = auth.DefaultRefreshTTL
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = pubsub.DefaultBuffer
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret, auth.WithTTLs(cfg.AccessTTL, cfg.RefreshTTL))
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// === METRICS ===
	// A private registry instead of prometheus.DefaultRegisterer keeps tests
	// that build several servers from colliding on duplicate registration.
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		registry: pubsub.NewRegistry(logger,
			pubsub.WithBuffer(cfg.SubscriberBuffer),
			pubsub.WithMetrics(pubsub.NewMetrics(metrics)),
		),
		metrics: metrics,
	}
	if cfg.LoginRatePerMin > 0 {
		s.limiter = middleware.PerMinute(cfg.LoginRatePerMin)
	}

	s.setupRoutes(tokens)
	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                                → liveness + DB ping
//	GET    /metrics                                → Prometheus
//	POST   /auth/register | login | refresh | logout
//	GET    /auth/github/login | callback
//	GET    /api/me, PATCH /api/me
//	GET    /api/users, /api/users/pair-candidates
//	GET    /api/chatrooms, /api/chatrooms/search
//	POST   /api/chatrooms, /api/chatrooms/pair, /api/chatrooms/favorites
//	GET    /api/chatrooms/{id}, PATCH, DELETE
//	GET    /api/chatrooms/by-name/{name}/messages, POST
//	PATCH  /api/messages/{id}, DELETE
//	GET    /ws/messages?room=…                     → websocket
//	GET    /ws/chatrooms/{kind}                    → websocket
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns a unique ID to each request (for tracing)
// 2. RealIP: extracts the real client IP (the rate limiter keys on it)
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger + metrics: observe everything below
// 5. Session: builds the auth Scope from the token cookies
func (s *Server) setupRoutes(tokens *auth.TokenService) {
	cookies := auth.CookieConfig{
		Secure:     s.config.CookieSecure,
		AccessTTL:  tokens.AccessTTL(),
		RefreshTTL: tokens.RefreshTTL(),
	}

	// === Services ===
	authService := service.NewAuthService(s.db, tokens, auth.NewPasswordService(), s.logger)
	roomService := service.NewChatroomService(s.db, s.db, s.registry, s.logger)
	messageService := service.NewMessageService(s.db, s.db, s.registry, s.logger)

	// === Handlers ===
	var github *auth.GitHubProvider
	if s.config.GitHubClientID != "" && s.config.GitHubClientSecret != "" {
		github = auth.NewGitHubProvider(s.config.GitHubClientID, s.config.GitHubClientSecret, s.config.GitHubCallbackURL)
	} else {
		s.logger.Warn("GitHub OAuth not configured; /auth/github routes will return 404")
	}

	authHandler := handler.NewAuthHandler(authService, github, cookies, s.logger)
	userHandler := handler.NewUserHandler(authService, cookies, s.logger)
	roomHandler := handler.NewChatroomHandler(roomService, s.logger)
	messageHandler := handler.NewMessageHandler(messageService, s.logger)
	subHandler := handler.NewSubscriptionHandler(roomService, messageService, cookies, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	gate := auth.NewGate(tokens, s.db, s.logger, auth.DefaultExempt...)
	protect := func(op string) func(http.Handler) http.Handler {
		return auth.RequireUser(gate, op, handler.WriteError)
	}
	limited := func(next http.Handler) http.Handler { return next }
	if s.limiter != nil {
		limited = s.limiter.Middleware
	}

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.NewHTTPMetrics(s.metrics).Middleware)
	s.router.Use(auth.Session(cookies))

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	// === Auth Routes (no user required) ===
	s.router.Route("/auth", func(r chi.Router) {
		r.With(limited).Post("/register", authHandler.HandleRegister)
		r.With(limited).Post("/login", authHandler.HandleLogin)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)
		r.Get("/github/login", authHandler.HandleGitHubLogin)
		r.Get("/github/callback", authHandler.HandleGitHubCallback)
	})

	// === API Routes ===
	// Each route names its operation; the Gate rejects anonymous callers of
	// anything not on the exempt list.
	s.router.Route("/api", func(r chi.Router) {
		r.With(protect("get_self")).Get("/me", userHandler.HandleMe)
		r.With(protect("update_profile")).Patch("/me", userHandler.HandleUpdateMe)
		r.With(protect("search_users")).Get("/users", userHandler.HandleSearch)
		r.With(protect("pair_candidates")).Get("/users/pair-candidates", userHandler.HandlePairCandidates)

		r.Route("/chatrooms", func(r chi.Router) {
			r.With(protect("user_chatrooms")).Get("/", roomHandler.HandleList)
			r.With(protect("search_chatrooms")).Get("/search", roomHandler.HandleSearch)
			r.With(protect("create_room")).Post("/", roomHandler.HandleCreate)
			r.With(protect("create_pair_chat")).Post("/pair", roomHandler.HandleCreatePair)
			r.With(protect("create_favorites")).Post("/favorites", roomHandler.HandleCreateFavorites)
			r.With(protect("get_chatroom")).Get("/{id}", roomHandler.HandleGet)
			r.With(protect("update_room")).Patch("/{id}", roomHandler.HandleUpdate)
			r.With(protect("delete_room")).Delete("/{id}", roomHandler.HandleDelete)
			r.With(protect("list_messages")).Get("/by-name/{name}/messages", messageHandler.HandleList)
			r.With(protect("send_message")).Post("/by-name/{name}/messages", messageHandler.HandleSend)
		})

		r.With(protect("edit_message")).Patch("/messages/{id}", messageHandler.HandleEdit)
		r.With(protect("delete_message")).Delete("/messages/{id}", messageHandler.HandleDelete)
	})

	// === Subscription Routes (websocket) ===
	s.router.Route("/ws", func(r chi.Router) {
		r.With(protect("subscribe_messages")).Get("/messages", subHandler.HandleMessages)
		r.With(protect("subscribe_room_lifecycle")).Get("/chatrooms/{kind}", subHandler.HandleLifecycle)
	})
}

// Handler returns the root HTTP handler. Tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every subscriber, stops the rate limiter and closes the database.
func (s *Server) Close() error {
	s.registry.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.db.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Close the registry: every websocket gets a close frame and its
//     handler returns (Shutdown does not wait for hijacked connections)
//  3. Wait for in-flight requests to finish (30s timeout)
//  4. Close the database connection
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(s.registry.Close)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
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
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
