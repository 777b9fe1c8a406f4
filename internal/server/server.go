// Package server wires the nursefi HTTP API: admission-guarded transaction routes,
// the bulk sync endpoint used by the offline replay agent, health, metrics and admin.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nursefi/nursefi"
	"github.com/nursefi/nursefi/identity"
	"github.com/nursefi/nursefi/internal/config"
	"github.com/nursefi/nursefi/internal/metrics"
	"github.com/nursefi/nursefi/ledger"
	"github.com/nursefi/nursefi/store"
)

// Options carries the collaborators a Server needs.
type Options struct {
	Verifier identity.Verifier
	Counters store.Store
	Repo     ledger.Repository

	// Metrics and Gatherer are optional; /metrics is served only when Metrics is set.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	cfg      config.ServerConfig
	guard    *nursefi.Guard
	verifier identity.Verifier
	counters store.Store
	repo     ledger.Repository
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	adminKey string
}

// New creates a new HTTP server instance
func New(cfg *config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	admission := nursefi.AdmissionConfig{
		Verifier:     opts.Verifier,
		Store:        opts.Counters,
		MaxBodyBytes: cfg.Admission.MaxBodyBytes,
		IPLimit:      cfg.Admission.IPLimit,
		UserLimit:    cfg.Admission.UserLimit,
		Window:       cfg.Admission.Window,
	}
	if opts.Metrics != nil {
		admission.Observer = opts.Metrics
	}

	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg.Server,
		guard:    nursefi.NewGuard(admission),
		verifier: opts.Verifier,
		counters: opts.Counters,
		repo:     opts.Repo,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		logger:   logger,
		adminKey: cfg.Admin.APIKey,
	}
	s.registerRoutes()
	return s
}

// ApplyAdmission updates the per-window limits of the running guard. Window and body
// size changes take effect on restart.
func (s *Server) ApplyAdmission(cfg config.AdmissionConfig) {
	s.guard.IP.SetLimit(cfg.IPLimit)
	s.guard.User.SetLimit(cfg.UserLimit)
	s.logger.Info("Admission limits updated",
		zap.Int("ip_limit", cfg.IPLimit),
		zap.Int("user_limit", cfg.UserLimit))
}

// Start starts the HTTP server. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info("Starting HTTP server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}
