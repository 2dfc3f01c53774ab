// Package server exposes the pipeline over HTTP: job submission, status
// polling and streaming, results, governor state, tag suggestions and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/governor"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/metrics"
	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/status"
	"github.com/lokalhq/lokal/internal/store"
)

// Pipeline accepts jobs and reports the ones in flight.
type Pipeline interface {
	Submit(ctx context.Context, jobID, videoPath string, opts pipeline.Options) error
	ActiveJobs() []pipeline.ActiveJob
}

// Governor rate-limits uploads and reports its state.
type Governor interface {
	CheckLimit(ctx context.Context, userKey, action string, limit int, window time.Duration) governor.Decision
	Snapshot() governor.Snapshot
}

// ResultReader loads stored job results.
type ResultReader interface {
	Get(ctx context.Context, jobID string, into any) (store.ResultMeta, error)
}

// Deps are the collaborators of a Server. Governor, Results, Catalog and
// Metrics are optional.
type Deps struct {
	Pipeline Pipeline
	Governor Governor
	Status   status.Channel
	Results  ResultReader
	Catalog  catalog.Catalog
	Metrics  *metrics.Metrics
	Log      logger.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg       config.ServerConfig
	limits    config.GovernorConfig
	pipeline  Pipeline
	governor  Governor
	status    status.Channel
	results   ResultReader
	catalog   catalog.Catalog
	metrics   *metrics.Metrics
	log       logger.Logger
	router    *gin.Engine
	newID     func() string
	heartbeat time.Duration

	// jobCtx outlives the submitting request; jobs stop when it is cancelled.
	jobCtx context.Context
}

// New creates a Server and registers its routes.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("server: pipeline is required")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("server: status channel is required")
	}
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg.Server,
		limits:    cfg.Governor,
		pipeline:  deps.Pipeline,
		governor:  deps.Governor,
		status:    deps.Status,
		results:   deps.Results,
		catalog:   deps.Catalog,
		metrics:   deps.Metrics,
		log:       log.With(logger.String("component", "server")),
		router:    router,
		newID:     func() string { return uuid.NewString() },
		heartbeat: cfg.Server.HeartbeatInterval,
		jobCtx:    context.Background(),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until ctx is cancelled, then shuts down gracefully. Jobs
// submitted through the API run under ctx.
func (s *Server) Start(ctx context.Context) error {
	s.jobCtx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown", logger.Error(err))
		}
	}()

	s.log.Info("HTTP server listening", logger.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api")
	api.POST("/jobs", s.handleSubmit)
	api.GET("/jobs/active", s.handleActive)
	api.GET("/jobs/:id", s.handleStatus)
	api.GET("/jobs/:id/events", s.handleEvents)
	api.GET("/jobs/:id/result", s.handleResult)
	api.GET("/governor", s.handleGovernor)
	api.GET("/tags/suggest", s.handleSuggest)
}
