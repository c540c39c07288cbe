// Package api serves the HTTP surface for submitting and tracking
// compression jobs.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vidshrink/internal/auth"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/health"
)

const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 60 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB

	RequestsPerMinute = 120

	TracingServiceName = "vidshrink-api"
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Objects       ObjectStore
	Queue         Queue
	Jobs          JobStore
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewRouter builds the API routes.
func NewRouter(cfg *ServerConfig) http.Handler {
	handlers := NewHandlers(&HandlersConfig{
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		Objects:     cfg.Objects,
		Queue:       cfg.Queue,
		Jobs:        cfg.Jobs,
		JWTService:  cfg.JWTService,
		RateLimiter: cfg.RateLimiter,
	})
	authenticate := cfg.JWTService.Middleware(cfg.RateLimiter)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(TracingMiddleware(TracingServiceName))
	r.Use(CORSMiddleware(cfg.Config.CORS.AllowedOrigins))
	r.Use(MetricsMiddleware)

	r.Get("/health", cfg.HealthChecker.Handler())
	r.Get("/health/deep", cfg.HealthChecker.DeepHandler())
	r.With(internalOnlyMiddleware).Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(RequestsPerMinute, time.Minute))

		r.Post("/login", handlers.LoginHandler)
		r.Get("/latest", handlers.GetLatestJobHandler)

		r.Post("/upload/init", authenticate(handlers.InitUploadHandler))
		r.Post("/jobs", authenticate(handlers.CreateJobHandler))
		r.Get("/jobs/{jobID}", authenticate(handlers.GetJobHandler))
		r.Post("/jobs/{jobID}/cancel", authenticate(handlers.CancelJobHandler))
	})

	return r
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Config.API.Port,
			Handler:           NewRouter(cfg),
			ReadTimeout:       ReadTimeout,
			ReadHeaderTimeout: ReadHeaderTimeout,
			WriteTimeout:      WriteTimeout,
			IdleTimeout:       IdleTimeout,
			MaxHeaderBytes:    MaxHeaderBytes,
		},
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
