package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimetra/asm/internal/config"
	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/store"
	"github.com/perimetra/asm/internal/telemetry"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	queue  *queue.Queue
	bus    *events.Bus
	http   *http.Server
	logger *slog.Logger
	prom   *prometheus.Registry
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, st *store.Store, q *queue.Queue, bus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		queue:  q,
		bus:    bus,
		logger: slog.Default(),
		prom:   prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	telemetry.Register(s.prom)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Post("/", s.handleCreateTarget)
			r.Get("/", s.handleListTargets)

			r.Route("/{targetID}", func(r chi.Router) {
				r.Get("/", s.handleGetTarget)
				r.Post("/pipeline", s.handleStartPipeline)
				r.Get("/runs", s.handleListRuns)
				r.Post("/runs/{runID}/verify", s.handleVerifyStale)

				r.Get("/assets", s.handleListAssets)
				r.Get("/services", s.handleListServices)
				r.Get("/edges", s.handleListEdges)
				r.Get("/findings", s.handleListFindings)
				r.Get("/scans", s.handleListScans)
				r.Get("/changes", s.handleRunChanges)

				r.Post("/schedules", s.handleCreateSchedule)
				r.Get("/schedules", s.handleListSchedules)
			})
		})

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/discard", s.handleDiscardRun)
			r.Get("/events", s.handleRunEvents)
		})
	})

	s.router.Get("/ws/{sessionID}", s.handleWebSocket)
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("encoding response", "error", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}
