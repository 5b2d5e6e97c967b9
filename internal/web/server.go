// Package web serves the read-only status page.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"zpravobot/internal/config"
	"zpravobot/internal/database"
	"zpravobot/internal/logging"
)

// Server holds the dependencies for the web server.
type Server struct {
	Config     *config.Config
	DB         *database.DB
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, db *database.DB) *Server {
	return &Server{
		Config: cfg,
		DB:     db,
	}
}

// Start runs the HTTP server in a goroutine.
func (s *Server) Start() {
	h := NewHandler(s.Config, s.DB)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         s.Config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.Info("Starting web server on %s", s.Config.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Web server failed: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	logging.Info("Shutting down web server...")
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
