// Package server exposes the relay's HTTP surface: the canonical event
// stream, the non-streaming fallback, and model capabilities.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/flowrelay/flowrelay/internal/config"
	"github.com/flowrelay/flowrelay/internal/models"
	"github.com/flowrelay/flowrelay/internal/upstream"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// Server is the relay HTTP server.
type Server struct {
	Config     *config.Config
	Upstream   *upstream.Client
	Registry   *models.Registry
	httpServer *http.Server
}

// New creates a relay server with all routes registered.
func New(cfg *config.Config) *Server {
	uc := upstream.NewClient(cfg)
	return NewWith(cfg, uc, models.NewRegistry(uc.FetchModels))
}

// NewWith wires a server from explicit collaborators; tests use it to
// substitute the upstream client and registry.
func NewWith(cfg *config.Config, uc *upstream.Client, reg *models.Registry) *Server {
	s := &Server{
		Config:   cfg,
		Upstream: uc,
		Registry: reg,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestLogger(cfg.Verbose))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/generate", s.handleGenerate)
		r.Post("/predict", s.handlePredict)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the route tree; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
