package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/sandcastle/internal/config"
	"github.com/michaelbrown/sandcastle/internal/metrics"
	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage"
)

// Engine is what the server needs from the sandbox manager.
type Engine interface {
	sandbox.Engine
	Status() sandbox.Status
}

// Server is the HTTP surface of the execution engine.
type Server struct {
	cfg     config.ServerConfig
	engine  Engine
	store   storage.Store
	logger  zerolog.Logger
	started time.Time
	router  chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server. store may be nil, in which case the journal
// endpoints answer 404.
func New(cfg config.ServerConfig, engine Engine, store storage.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		logger:  logger.With().Str("component", "server").Logger(),
		started: time.Now(),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)
		r.Use(s.limitBody)

		r.Post("/execute", s.handleExecute)
		r.Get("/health", s.handleHealth)
	})

	// WebSocket (no JSON content-type)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Journal
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/stats", s.handleStats)
	})
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// jsonContentType sets Content-Type to application/json.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start begins listening on the given port. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("sandcastle server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
