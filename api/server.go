// Package api exposes the governance core over HTTP: vote casting, collection
// administration, epoch transitions, sweep execution, and read access to
// sweeps and liquidation snapshots.
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
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/driftwoodlabs/allocator/pkg/epoch"
	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
	"github.com/driftwoodlabs/allocator/pkg/sweep"
	"github.com/driftwoodlabs/allocator/pkg/vote"
)

// Config holds the HTTP server configuration.
type Config struct {
	Logger    *slog.Logger
	Addr      string
	Store     store.Store
	Votes     *vote.Ledger
	Scheduler *epoch.Scheduler
	Sweeps    *sweep.Ledger

	// Planner is optional; when set, the next-epoch sweep kind endpoints are
	// exposed.
	Planner *sweep.Planner

	AllowedOrigins []string
	WriteRate      rate.Limit
	WriteBurst     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Votes == nil {
		return errors.New("vote ledger is required")
	}
	if cfg.Scheduler == nil {
		return errors.New("epoch scheduler is required")
	}
	if cfg.Sweeps == nil {
		return errors.New("sweep ledger is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.WriteRate == 0 {
		cfg.WriteRate = rate.Every(time.Second / 10)
	}
	if cfg.WriteBurst == 0 {
		cfg.WriteBurst = 20
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
	srv    *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	writeLimiter := NewRateLimiter(s.cfg.WriteRate, s.cfg.WriteBurst)

	r.Route("/v1", func(r chi.Router) {
		r.With(writeLimiter.Middleware).Post("/votes", s.handleCastVote)
		r.Delete("/votes/{voter}", s.handleClearVotes)

		r.Get("/collections", s.handleListCollections)
		r.Post("/collections", s.handleRegisterCollection)
		r.Delete("/collections/{id}", s.handleDeregisterCollection)

		r.Get("/epoch", s.handleGetEpoch)
		r.Post("/epoch/transition", s.handleTransition)
		r.Get("/epoch/handlers", s.handleListHandlers)
		if s.cfg.Planner != nil {
			r.Post("/epoch/next-kind", s.handleSetNextKind)
			r.Post("/epoch/skip-next", s.handleSkipNext)
		}

		r.Get("/sweeps/{epoch}", s.handleGetSweep)
		r.Post("/sweeps/{epoch}/execute", s.handleExecuteSweep)
		r.Post("/sweeps/{epoch}/reexecute", s.handleReexecuteSweep)
		r.Get("/strategies", s.handleListStrategies)

		r.Get("/liquidations/{epoch}", s.handleGetLiquidation)
	})
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) > 0 {
		return s.cfg.AllowedOrigins
	}
	return []string{"*"}
}
