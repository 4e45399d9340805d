package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygate/keygate/internal/handler"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// IPRateLimit caps requests per client IP per minute on the validate
	// and session endpoints. Zero disables it.
	IPRateLimit  int
	TrustProxy   bool
	APIKeyHeader string
	Version      string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		IPRateLimit:     60,
		APIKeyHeader:    "X-API-Key",
		Version:         "dev",
	}
}

// Server is the top-level HTTP server for keygate. It owns the Chi router
// and the key and session services behind it.
type Server struct {
	cfg        Config
	router     chi.Router
	keys       *service.KeyService
	sessions   *service.SessionService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, keys *service.KeyService, sessions *service.SessionService, logger *slog.Logger) *Server {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	s := &Server{
		cfg:      cfg,
		keys:     keys,
		sessions: sessions,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Quota-Remaining", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	sysHandler := handler.NewSystemHandler(s.keys)
	gateHandler := handler.NewGateHandler(s.keys, s.sessions)
	keyHandler := handler.NewKeyHandler(s.keys)

	// --- Probes and docs (no auth required) ---
	r.Get("/healthz", sysHandler.Health)
	r.Get("/readyz", sysHandler.Ready)
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version, s.cfg.APIKeyHeader).ServeSpec)

	authenticate := middleware.Authenticate(s.keys, s.sessions, s.cfg.APIKeyHeader)
	ipLimit := middleware.RateLimit(s.cfg.IPRateLimit)

	r.Route("/api/v1", func(r chi.Router) {
		// Public validation, throttled per client IP.
		r.With(ipLimit).Post("/keys/validate", gateHandler.Validate)

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			// Any valid credential may admit and report its own usage.
			r.Post("/admit", gateHandler.Admit)
			r.Post("/usage", gateHandler.RecordUsage)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin))

				r.With(ipLimit).Post("/session", gateHandler.Session)

				r.Get("/keys", keyHandler.List)
				r.Post("/keys", keyHandler.Create)
				r.Get("/keys/{id}", keyHandler.Get)
				r.Put("/keys/{id}", keyHandler.Update)
				r.Delete("/keys/{id}", keyHandler.Delete)
				r.Post("/keys/{id}/revoke", keyHandler.Revoke)
				r.Get("/keys/{id}/usage", keyHandler.Usage)
			})
		})
	})

	s.router = r
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled or
// a SIGINT or SIGTERM is received. It then performs a graceful shutdown,
// draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
