// Package server assembles the deployment pipeline behind one HTTP server.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	ginlogrus "github.com/toorop/gin-logrus"

	"grape/pkg/auth"
	"grape/pkg/builds"
	"grape/pkg/events"
	"grape/pkg/extractor"
	"grape/pkg/projects"
	"grape/pkg/publisher"
	"grape/pkg/registry"
	"grape/pkg/storage"
	"grape/pkg/uploads"
	"grape/utils"
)

const (
	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 2 * time.Second
)

// Pinger reports whether a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the long-lived collaborators of the server. DB is optional.
type Deps struct {
	Config   *utils.Config
	Logger   *logrus.Logger
	Store    registry.Store
	Archives storage.ArchiveStore
	Runner   builds.Runner
	Events   events.Publisher
	DB       Pinger
}

type Server struct {
	cfg     *utils.Config
	log     *logrus.Logger
	db      Pinger
	pool    *builds.Pool
	janitor *builds.Janitor
	engine  *gin.Engine
	http    *http.Server
}

func New(deps Deps) (*Server, error) {
	cfg := deps.Config
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	orchestrator, err := builds.NewOrchestrator(
		deps.Store,
		deps.Archives,
		extractor.New(extractor.Options{
			MaxBytes:   cfg.Build.ExtractMaxBytes,
			MaxEntries: cfg.Build.ExtractMaxFiles,
		}),
		deps.Runner,
		deps.Events,
		deps.Logger,
		builds.OrchestratorConfig{
			SourcesPath:   cfg.Storage.SourcesPath,
			ArtifactsPath: cfg.Storage.ArtifactsPath,
			Timeout:       cfg.Build.Timeout,
		},
	)
	if err != nil {
		return nil, err
	}

	pool := builds.NewPool(cfg.Build.Workers, cfg.Build.QueueSize, orchestrator.Run, deps.Logger)

	tokens := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	authService, err := auth.NewService(deps.Store, tokens, cfg.Auth.BcryptCost, deps.Logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     deps.Logger,
		db:      deps.DB,
		pool:    pool,
		janitor: builds.NewJanitor(deps.Store, pool, deps.Events, deps.Logger, cfg.Build.JanitorSchedule),
	}

	authHandler := auth.NewHandler(authService, tokens)
	uploadHandler := uploads.NewHandler(
		uploads.NewService(deps.Store, deps.Archives, pool, deps.Events, deps.Logger, uploads.Config{
			MaxBytes:       cfg.Upload.MaxBytes,
			PlatformDomain: cfg.Server.PlatformDomain,
			RatePerMinute:  cfg.Upload.RatePerMinute,
			RateBurst:      cfg.Upload.RateBurst,
		}),
		cfg.Upload.MaxBytes,
	)
	projectHandler := projects.NewHandler(projects.NewService(deps.Store))
	siteHandler := publisher.NewHandler(publisher.NewResolver(deps.Store), cfg.Server.PlatformDomain)

	r := gin.New()
	r.Use(
		utils.RequestID(),
		ginlogrus.Logger(deps.Logger),
		gin.Recovery(),
		siteHandler.HostRouting(),
		utils.Cors(cfg.Server.CorsOrigins),
	)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	r.GET("/health", s.health)

	api := r.Group("/api")
	authHandler.SetupRoutes(api)
	uploadHandler.SetupRoutes(api, authHandler)
	projectHandler.SetupRoutes(api, authHandler)
	siteHandler.SetupRoutes(r)

	s.engine = r
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the build workers and the recovery janitor. Projects left
// queued or building by a previous process are reconciled right away.
func (s *Server) Start(ctx context.Context) error {
	s.pool.Start()
	return s.janitor.Start(ctx)
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then lets running builds finish until
// ctx ends. Builds cut short are recorded as failed.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	s.janitor.Stop()
	poolErr := s.pool.Shutdown(ctx)
	return errors.Join(httpErr, poolErr)
}

func (s *Server) health(c *gin.Context) {
	stats := s.pool.Stats()

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := s.db.Ping(ctx); err != nil {
			s.log.Warnf("health check: database ping: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":  "database unreachable",
				"help":   "check the database connection",
				"builds": stats,
			})
			return
		}
	}

	utils.JsonSuccessH(
		c,
		http.StatusOK,
		"healthy",
		gin.H{
			"builds":   stats,
			"database": s.cfg.Database.Driver,
		},
	)
}
