// Package api provides the engine's HTTP server and routing.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/reflectdb/reflectdb/internal/config"
	"github.com/reflectdb/reflectdb/internal/engine"
	"github.com/reflectdb/reflectdb/internal/metrics"
)

// Server is the engine HTTP server.
type Server struct {
	config  *config.Config
	engine  *engine.Engine
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
	version string
}

// NewServer creates the HTTP server around the write engine. A nil metrics
// instance gets a fresh registry.
func NewServer(cfg *config.Config, eng *engine.Engine, logger *slog.Logger, m *metrics.Metrics, version string) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		config:  cfg,
		engine:  eng,
		logger:  logger,
		metrics: m,
		version: version,
	}
	s.setupRouter()
	return s
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.securityContext)

	h := &Handler{
		engine:     s.engine,
		logger:     s.logger,
		version:    s.version,
		exportsDir: s.config.Engine.ExportsDir,
		seedFile:   s.config.Engine.SeedFile,
	}

	r.Get("/health", h.Health)

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metrics.Handler().ServeHTTP(w, req)
	})

	// Class catalog
	r.Get("/class", h.ListClasses)
	r.Get("/class/{id}", h.GetClass)
	r.Get("/class/{id}/props", h.GetClassProps)
	r.Post("/class", h.SetClass)
	r.Delete("/class/{id}", h.DeleteClass)

	// Record store
	r.Get("/store/{class}", h.ListRecords)
	r.Get("/store/{class}/{id}", h.GetRecord)
	r.Get("/store/{class}/{id}/{prop}", h.GetRecordProp)
	r.Post("/store/{class}", h.CreateRecord)
	r.Put("/store/{class}/{id}", h.UpdateRecord)
	r.Put("/store/{class}/{id}/{prop}", h.SetRecordProp)
	r.Delete("/store/{class}/{id}", h.DeleteRecord)

	// Queries
	r.Get("/query/{class}", h.QueryRecords)
	r.Get("/find/{id}", h.FindRecord)

	// Maintenance
	r.Post("/genesis", h.Genesis)
	r.Get("/genesis", h.GenesisStatus)
	r.Post("/export", h.Export)
	r.Get("/exports", h.ListExports)
	r.Post("/reset", h.Reset)

	s.router = r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
