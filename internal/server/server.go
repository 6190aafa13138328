// Package server hosts the gateway's HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gospawner/internal/errors"
	"github.com/3leaps/gospawner/internal/server/handlers"
	"github.com/3leaps/gospawner/internal/server/middleware"
)

// Timeouts bounds the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

var defaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Server is the gateway HTTP server.
type Server struct {
	host     string
	port     int
	router   chi.Router
	api      *handlers.API
	log      *zap.Logger
	timeouts Timeouts
}

// Option configures a Server.
type Option func(*Server)

// WithAPI mounts the session endpoints under /api.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithLogger sets the request and panic logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeouts overrides the server timeouts. Zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			s.timeouts.Shutdown = t.Shutdown
		}
	}
}

// New builds the router. Health and version routes are always present.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		log:      zap.NewNop(),
		timeouts: defaultTimeouts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoveryWithLogger(s.log))
	r.Use(middleware.Logger(s.log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeNotFound, "resource not found", apperrors.RequestIDFromContext(req.Context()), nil)
		apperrors.WriteError(w, http.StatusNotFound, env)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeMethodNotAllowed, "method not allowed", apperrors.RequestIDFromContext(req.Context()), nil)
		apperrors.WriteError(w, http.StatusMethodNotAllowed, env)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		r.Route("/api", func(r chi.Router) {
			r.Get("/profiles", s.api.ListProfiles)
			r.Route("/users/{user}", func(r chi.Router) {
				r.Post("/server", s.api.StartServer)
				r.Get("/server", s.api.GetServer)
				r.Delete("/server", s.api.StopServer)
				r.Get("/allocations", s.api.ListAllocations)
			})
		})
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
		defer cancel()
		s.log.Info("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	}
}
