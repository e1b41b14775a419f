// Package api is the HTTP ingress: task submission, lookup and
// cancellation, plus read-only views of workers, plugins and events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/scheduler"
	"github.com/mattjoyce/airlock/internal/task"
	"github.com/mattjoyce/airlock/internal/worker"
)

// TaskService is the scheduler surface the API needs.
type TaskService interface {
	Submit(ctx context.Context, t task.Task) (*job.Handle, error)
	Get(ctx context.Context, id uuid.UUID) (*task.Record, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
	Stats() scheduler.Stats
}

type WorkerPool interface {
	Statuses(ctx context.Context) ([]worker.Status, error)
}

type PluginCatalog interface {
	Instances() []*plugin.Instance
}

type ResourceStats interface {
	Stats() resource.Stats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey enables bearer authentication on everything but /healthz.
	APIKey string
}

// Deps are the components the API reads and drives.
type Deps struct {
	Tasks     TaskService
	Workers   WorkerPool
	Plugins   PluginCatalog
	Resources ResourceStats
	Events    *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.WithComponent("api")
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Delete("/tasks/{taskID}", s.handleCancelTask)
		r.Get("/workers", s.handleWorkers)
		r.Get("/plugins", s.handlePlugins)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
