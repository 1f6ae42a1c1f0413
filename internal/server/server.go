package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/config"
	"github.com/alapierre/go-cfdi-proxy/internal/jobs"
	"github.com/alapierre/go-cfdi-proxy/internal/metrics"
	"github.com/alapierre/go-cfdi-proxy/internal/proxy"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "server")

const ServiceName = "go-cfdi-proxy"

// JobQueue is the queued deployment mode, when enabled.
type JobQueue interface {
	SubmitDownload(ctx context.Context, m credential.Material, spec jobs.DownloadSpec) (*jobs.Job, error)
	SubmitBulkPoll(ctx context.Context, m credential.Material, spec jobs.BulkPollSpec) (*jobs.Job, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
}

type Server struct {
	config   *config.ServerEnvironment
	router   *chi.Mux
	proxy    *proxy.Service
	jobs     JobQueue
	metrics  *metrics.Metrics
	validate *validator.Validate
	clock    clockwork.Clock
}

type Option func(*Server)

func WithJobs(q JobQueue) Option {
	return func(s *Server) { s.jobs = q }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func NewServer(cfg *config.ServerEnvironment, svc *proxy.Service, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		proxy:    svc,
		metrics:  m,
		validate: newValidator(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(Observe(s.metrics))
	s.router.Use(Recoverer(s.config.Production()))
	s.router.Use(SecurityHeaders(s.config.Environment))
	s.router.Use(RateLimit(s.config.RateLimitRPS, s.config.RateLimitBurst))
	s.router.Use(RequestSizeLimit(s.config.MaxUploadBytes))
}

func (s *Server) registerRoutes() {
	s.router.Get("/metrics", s.metrics.Handler().ServeHTTP)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/cfdi/query", s.handleQuery)
		r.Post("/cfdi/download", s.handleDownload)
		r.Post("/cfdi/download-by-uuid", s.handleDownloadByUUID)
		r.Get("/cfdi/verification-qr", s.handleVerificationQR)

		r.Post("/bulk/requests", s.handleBulkSubmit)
		r.Post("/bulk/verify", s.handleBulkVerify)
		r.Post("/bulk/packages", s.handleBulkPackages)

		if s.jobs != nil {
			r.Post("/jobs/download", s.handleJobDownload)
			r.Post("/jobs/bulk-poll", s.handleJobBulkPoll)
			r.Get("/jobs/{id}", s.handleJobStatus)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondMessage(w, http.StatusNotFound, "resource not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	serverAddr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.WithFields(logrus.Fields{
			"environment": s.config.Environment,
			"address":     serverAddr,
			"jobs":        s.jobs != nil,
		}).Info("service listening")

		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	logger.Info("HTTP server shutdown complete")
	return nil
}

func (s *Server) now() time.Time {
	return s.clock.Now().UTC()
}
