package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/streamlimit/internal/admin/api"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the admin server configuration.
type Config struct {
	ListenAddr string
	Token      string // bearer token required on /api routes, empty disables auth
}

// Server serves the operator API.
type Server struct {
	config   Config
	tracker  api.Tracker
	gates    api.Gates
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, tracker api.Tracker, gates api.Gates, logger zerolog.Logger) *Server {
	s := &Server{
		config:  cfg,
		tracker: tracker,
		gates:   gates,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Public routes (no auth required)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	statusHandler := api.NewStatusHandler(s.tracker, s.logger)
	s.router.Handle("/api/status", s.protect(statusHandler.Status)).Methods("GET")
	s.router.Handle("/api/users/{id}", s.protect(statusHandler.User)).Methods("GET")
	s.router.Handle("/api/segments", s.protect(statusHandler.Segments)).Methods("GET")
	s.router.Handle("/api/reset", s.protect(statusHandler.Reset)).Methods("POST")

	policyHandler := api.NewPolicyHandler(s.gates, s.logger)
	s.router.Handle("/api/policies", s.protect(policyHandler.Modules)).Methods("GET")
	s.router.Handle("/api/policies/reload", s.protect(policyHandler.Reload)).Methods("POST")
}

// protect wraps an API handler with bearer token auth when a token is set.
// Routes live on the root router rather than a PathPrefix subrouter so a
// wrong method still answers 405.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.config.Token == "" {
		return h
	}
	return TokenMiddleware(s.config.Token)(h)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Bool("auth", s.config.Token != "").
		Msg("Starting admin server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"policies": s.gates.Modules(),
	})
}
