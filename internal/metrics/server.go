// Package metrics implements the Prometheus scrape endpoint and a
// lightweight dispatcher-aware health probe served alongside it.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatcherHealth is the minimal dispatcher view the health endpoint
// reports, supplied by the daemon so this package never imports scheduler.
type DispatcherHealth struct {
	Enabled     bool `json:"enabled"`
	RunningTask bool `json:"running_task"`
}

// Server is the HTTP server for Prometheus metrics plus /healthz.
type Server struct {
	addr   string
	path   string
	server *http.Server

	health func() DispatcherHealth
}

// NewServer creates a new metrics server.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr: addr,
		path: path,
	}
}

// SetDispatcherHealth wires a dispatcher status callback into /healthz.
// Optional: if never called, /healthz reports enabled=true with no task info.
func (s *Server) SetDispatcherHealth(health func() DispatcherHealth) {
	s.health = health
}

// Start starts the metrics HTTP server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting metrics server", "addr", s.addr, "path", s.path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := DispatcherHealth{Enabled: true}
	if s.health != nil {
		health = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	if !health.Enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
