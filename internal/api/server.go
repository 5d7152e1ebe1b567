// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/newthinker/quotegate/internal/api/handler"
	"github.com/newthinker/quotegate/internal/api/middleware"
	"github.com/newthinker/quotegate/internal/metrics"
	"github.com/newthinker/quotegate/internal/quota"
	"github.com/newthinker/quotegate/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server for quotegate
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	AdminKey       string
	MetricsPath    string // empty disables the endpoint

	RateLimitEnabled bool
	RateLimit        middleware.RateLimitConfig
}

// Resolver is what the data endpoints and admin endpoint need from the
// fallback resolver.
type Resolver interface {
	handler.Resolver
	handler.ProviderSource
}

// Dependencies are the components the server routes to.
type Dependencies struct {
	Resolver Resolver
	Quota    quota.Tracker
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Registry
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Resolver == nil || deps.Quota == nil {
		return nil, fmt.Errorf("resolver and quota tracker are required")
	}
	if cfg.RateLimitEnabled && deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiting enabled without a limiter")
	}

	mux := http.NewServeMux()

	var h http.Handler = mux
	h = metrics.HTTPMiddleware(deps.Metrics)(h)
	h = metrics.LoggingMiddleware(logger)(h)

	writeTimeout := 15 * time.Second
	if cfg.RequestTimeout+5*time.Second > writeTimeout {
		writeTimeout = cfg.RequestTimeout + 5*time.Second
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		mux:    mux,
	}

	s.setupRoutes(cfg, deps)
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config, deps Dependencies) {
	data := handler.NewDataHandler(deps.Resolver, cfg.RequestTimeout, s.logger)
	admin := handler.NewAdminHandler(deps.Quota, deps.Resolver, s.logger)

	limit := func(h http.HandlerFunc) http.Handler { return h }
	if cfg.RateLimitEnabled {
		rl := cfg.RateLimit
		rl.Metrics = deps.Metrics
		mw := middleware.RateLimit(deps.Limiter, rl)
		limit = func(h http.HandlerFunc) http.Handler { return mw(h) }
	}

	// Data routes
	s.mux.Handle("GET /api/v1/quote/{symbol}", limit(data.Quote))
	s.mux.Handle("GET /api/v1/dividends/{symbol}", limit(data.Dividends))
	s.mux.Handle("GET /api/v1/history/{symbol}", limit(data.History))
	s.mux.Handle("GET /api/v1/quotes", limit(data.Quotes))

	// Operator routes
	s.mux.Handle("GET /api/v1/admin/quota", middleware.APIKeyAuth(cfg.AdminKey)(http.HandlerFunc(admin.Quota)))
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if cfg.MetricsPath != "" && deps.Metrics != nil {
		s.mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
