// Package api exposes the operator control plane over HTTP: instance
// listing, lifecycle actions and health. It never places orders itself;
// everything goes through the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/engine"
)

// Config tunes the control API server.
type Config struct {
	Addr              string
	AuthToken         string
	RequestsPerMinute int
}

// Server is the gin control surface over one engine.
type Server struct {
	router   *gin.Engine
	engine   *engine.Engine
	log      *logrus.Logger
	health   http.Handler
	limiters *ipLimiters
	srv      *http.Server
	done     chan struct{}
}

// NewServer assembles routes and middleware. health may be nil; the
// /healthz route then reports a plain ok.
func NewServer(eng *engine.Engine, log *logrus.Logger, health http.Handler, cfg Config) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:   router,
		engine:   eng,
		log:      log,
		health:   health,
		limiters: newIPLimiters(cfg.RequestsPerMinute),
		done:     make(chan struct{}),
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	// Order matters: recovery first, auth after rate limiting so floods
	// are cheap to reject.
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(rateLimitMiddleware(s.limiters))

	router.GET("/healthz", s.healthz)

	authed := router.Group("/", authMiddleware(cfg.AuthToken))
	{
		authed.GET("/instances", s.listInstances)
		authed.GET("/instances/:id", s.getInstance)
		authed.GET("/instances/:id/stats", s.getStats)
		authed.GET("/instances/:id/orders", s.getOrders)
		authed.POST("/instances/:id/start", s.startInstance)
		authed.POST("/instances/:id/pause", s.pauseInstance)
		authed.POST("/instances/:id/resume", s.resumeInstance)
		authed.POST("/instances/:id/stop", s.stopInstance)
	}

	go s.limiters.pruneEvery(5*time.Minute, s.done)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. A closed-server return is not an error.
func (s *Server) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("control api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the limiter janitor.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		s.health.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.engine.List()})
}

func (s *Server) getInstance(c *gin.Context) {
	meta, err := s.engine.Get(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) getStats(c *gin.Context) {
	snap, err := s.engine.Stats(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getOrders(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Get(id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.engine.Orders().ForInstance(id)})
}

func (s *Server) startInstance(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Start(id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.respondMeta(c, id)
}

func (s *Server) pauseInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Pause(id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.respondMeta(c, id)
}

func (s *Server) resumeInstance(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Resume(id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.respondMeta(c, id)
}

func (s *Server) stopInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Stop(id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.respondMeta(c, id)
}

func (s *Server) respondMeta(c *gin.Context, id string) {
	meta, err := s.engine.Get(id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// respondEngineError maps engine errors onto HTTP statuses: unknown ids
// are 404, illegal lifecycle moves are 409, bad input is 400.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case engerr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
