package server

import (
	"context"
	"net/http"

	"github.com/bookwave/convcore/config"
	"github.com/bookwave/convcore/jobs"
	"github.com/bookwave/convcore/logging/logger"

	"github.com/gin-gonic/gin"
)

// Requester identity headers. Authentication itself happens upstream; the
// engine only needs the resolved identity for ownership and policy checks.
const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"
)

// Server exposes the job manager over HTTP.
type Server struct {
	manager *jobs.Manager
	engine  *gin.Engine
	http    *http.Server
	log     *logger.Logger
}

// New builds the HTTP server around a manager.
func New(cfg *config.Config, manager *jobs.Manager) *Server {
	if cfg.RunMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		manager: manager,
		engine:  gin.New(),
		log:     logger.StandardLogger(),
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.engine,
	}
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Infof(context.Background(), "http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	g := s.engine.Group("/api/v1")

	g.POST("/jobs", s.submitJob)
	g.GET("/jobs", s.listJobs)
	g.GET("/jobs/:id", s.getJob)
	g.POST("/jobs/:id/pause", s.pauseJob)
	g.POST("/jobs/:id/resume", s.resumeJob)
	g.POST("/jobs/:id/cancel", s.cancelJob)
	g.DELETE("/jobs/:id", s.deleteJob)
	g.PUT("/jobs/:id/access", s.updateAccess)
	g.GET("/jobs/:id/events", s.streamEvents)
}

func identity(c *gin.Context) (userID, userRole string) {
	return c.GetHeader(headerUserID), c.GetHeader(headerUserRole)
}
