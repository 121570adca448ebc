// Package server exposes the daemon's HTTP API: job submission and status,
// direct-upload grants, retention sweeps, and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/stage"
)

// Workflow is the view of the worker pool the API needs.
type Workflow interface {
	Running() bool
	StageHealth(ctx context.Context) []stage.Health
}

// Server handles API requests.
type Server struct {
	cfg      *config.Config
	store    *queue.Store
	gateway  blobstore.Gateway
	cleaner  *cleanup.Service
	workflow Workflow
	logger   *slog.Logger

	mux      *http.ServeMux
	listener net.Listener
	server   *http.Server
}

// New constructs the API server.
func New(cfg *config.Config, store *queue.Store, gateway blobstore.Gateway, cleaner *cleanup.Service, workflow Workflow, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		cleaner:  cleaner,
		workflow: workflow,
		logger:   logging.WithComponent(logger, "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", srv.handleJobs)
	mux.HandleFunc("/api/jobs/", srv.handleJob)
	mux.HandleFunc("/api/uploads/grant", srv.handleUploadGrant)
	mux.HandleFunc("/api/cleanup/sweep", srv.handleSweep)
	mux.HandleFunc("/api/health", srv.handleHealth)
	srv.mux = mux

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured bind address.
func (s *Server) Start(ctx context.Context) error {
	bind := strings.TrimSpace(s.cfg.Paths.APIBind)
	if bind == "" {
		return errors.New("api bind address not configured")
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}
