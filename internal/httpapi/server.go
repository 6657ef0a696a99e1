// Package httpapi assembles the bridge's HTTP surface: health, per-adapter
// webhook routes, and the session viewer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
)

// RouteRegistrar is anything that wires handlers onto the mux (adapters,
// the session viewer).
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Config configures the server.
type Config struct {
	BindAddr string
	Services []string // reported by /health
	Logger   *slog.Logger
}

// Server owns the process's http.Server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// New creates the server and its health route.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    mux,
		server: &http.Server{
			Addr:    cfg.BindAddr,
			Handler: mux,
			// Ingress handlers acknowledge fast; anything slower is a bug,
			// not a long poll.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Mux exposes the mux for route registration before ListenAndServe.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Register wires a registrar's routes.
func (s *Server) Register(registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(s.mux)
	}
}

// RegisterAdapters wires every adapter's routes.
func (s *Server) RegisterAdapters(adapters []bridge.ServiceAdapter) {
	for _, adapter := range adapters {
		adapter.RegisterRoutes(s.mux)
	}
}

// ListenAndServe blocks until the server stops. A closed-server error is
// reported as nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.BindAddr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"services": s.cfg.Services,
	})
}
