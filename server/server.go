// Package server exposes the fleet dashboard's JSON API: fleet and vessel
// status read from the durable store, the scheduler run ledger, and a
// manual trigger for the monitoring cycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/runlog"
	"github.com/balakumargv-solx/infra-agent/scheduler"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
)

const shutdownTimeout = 10 * time.Second

// FleetSource lists the configured fleet.
type FleetSource interface {
	VesselIDs() []string
}

// StatusReader serves the persisted component state, open violations, and
// checkpoints behind the read endpoints.
type StatusReader interface {
	LatestStatuses(ctx context.Context, vesselID string) ([]store.ComponentStatusRecord, error)
	OpenViolations(ctx context.Context) ([]store.ViolationRecord, error)
	OpenViolationFor(ctx context.Context, vesselID string, role fleet.Role) (*store.ViolationRecord, error)
	GetStateTime(ctx context.Context, key string) (time.Time, error)
}

// RunReader serves the scheduler run ledger.
type RunReader interface {
	RecentRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	RunDetails(ctx context.Context, runID string) (*runlog.Details, error)
	ActiveRun(ctx context.Context) (*store.RunRecord, error)
	Statistics(ctx context.Context, daysBack int) (*runlog.Statistics, error)
}

// ParameterSource exposes the SLA parameters in effect.
type ParameterSource interface {
	Parameters() sla.Parameters
}

// SchedulerControl exposes the daily scheduler to the dashboard.
type SchedulerControl interface {
	Stats() scheduler.Stats
	TriggerNow() error
}

// PipelineStatus exposes the monitoring pipeline's progress.
type PipelineStatus interface {
	Running() bool
	Status() monitor.Status
}

// Instrumenter wraps one route's handler with request metrics.
type Instrumenter interface {
	InstrumentHandler(route string, next http.Handler) http.Handler
}

// Deps wires the dashboard into the rest of the agent. Metrics and
// Instrument are optional; everything else is required.
type Deps struct {
	Fleet      FleetSource
	Store      StatusReader
	Runs       RunReader
	Params     ParameterSource
	Scheduler  SchedulerControl
	Pipeline   PipelineStatus
	Metrics    http.Handler
	Instrument Instrumenter
}

// Config holds the listen address and the dashboard auth seed.
type Config struct {
	Host        string
	Port        int
	Debug       bool
	Credentials Credentials
	TokenTTL    time.Duration
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	tokens *TokenStore
	logger *slog.Logger
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New validates the dependency set and builds the server.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Fleet == nil {
		return nil, errors.New("server: fleet source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("server: status reader is required")
	}
	if deps.Runs == nil {
		return nil, errors.New("server: run reader is required")
	}
	if deps.Params == nil {
		return nil, errors.New("server: parameter source is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("server: scheduler control is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("server: pipeline status is required")
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		tokens: NewTokenStore(cfg.TokenTTL),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.Credentials.configured() {
		s.logger.Warn("Dashboard credentials not configured, API endpoints are open")
	}

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	return s, nil
}

// Handler builds the routing table. Exposed so tests can drive the API
// without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	s.route(r, http.MethodPost, "/api/auth/token", s.handleCreateToken)
	s.route(r, http.MethodGet, "/api/auth/status", s.handleAuthStatus)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)
		s.route(pr, http.MethodDelete, "/api/auth/token", s.handleRevokeToken)
		s.route(pr, http.MethodGet, "/api/fleet-overview", s.handleFleetOverview)
		s.route(pr, http.MethodGet, "/api/vessel/{vesselID}/details", s.handleVesselDetails)
		s.route(pr, http.MethodGet, "/api/sla-violations", s.handleSLAViolations)
		s.route(pr, http.MethodGet, "/api/scheduler-runs", s.handleSchedulerRuns)
		s.route(pr, http.MethodGet, "/api/scheduler-runs/statistics", s.handleRunStatistics)
		s.route(pr, http.MethodGet, "/api/scheduler-runs/active", s.handleActiveRun)
		s.route(pr, http.MethodGet, "/api/scheduler-runs/{runID}", s.handleRunDetails)
		s.route(pr, http.MethodGet, "/api/scheduler/status", s.handleSchedulerStatus)
		s.route(pr, http.MethodPost, "/api/scheduler/trigger", s.handleTrigger)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "endpoint not found",
			"path":  req.URL.Path,
		})
	})
	return r
}

// route registers one handler, wrapped with request metrics when an
// instrumenter is wired.
func (s *Server) route(r chi.Router, method, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.deps.Instrument != nil {
		handler = s.deps.Instrument.InstrumentHandler(pattern, handler)
	}
	r.Method(method, pattern, handler)
}

// Run serves until ctx is cancelled, then drains in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	s.http.Handler = s.Handler()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Dashboard server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
		s.logger.Info("Dashboard server stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	level := slog.LevelDebug
	if s.cfg.Debug {
		level = slog.LevelInfo
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
