package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
	"github.com/JakeFAU/crawlengine/internal/store"
)

// RunController is the slice of crawler.Runner the server drives.
type RunController interface {
	Stats() crawler.Stats
	Stop()
}

// Options configures a Server. Runner and Progress are optional; their
// routes answer 503 when unset.
type Options struct {
	Runner   RunController
	Progress store.ProgressRepository
	// APIKey guards /v1 when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the runner and progress repository.
type Server struct {
	router chi.Router
	runner RunController
	logger *zap.Logger
}

const (
	defaultRequestTimeout = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{runner: opts.Runner, logger: logger}
	progress := NewProgressHandler(opts.Progress, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/crawl", s.crawlStats)
		r.Post("/crawl/stop", s.stopCrawl)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", progress.ListRuns)
			r.Get("/{run_id}", progress.GetRun)
			r.Get("/{run_id}/sites", progress.ListRunSites)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) crawlStats(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl attached")
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Stats())
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl attached")
		return
	}
	stats := s.runner.Stats()
	if !stats.Running {
		writeError(w, http.StatusConflict, "crawl is not running")
		return
	}
	s.runner.Stop()
	s.logger.Info("stop requested via api", zap.String("run_id", stats.RunID))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": stats.RunID, "status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
