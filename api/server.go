package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/glasslink/link"
	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/router"
	"github.com/user/glasslink/wire/transport"
)

// Server is the local management API of the daemon
type Server struct {
	engine   *gin.Engine
	session  *link.Session
	router   *router.Router
	mediaDir string
	started  time.Time
	http     *http.Server
}

// NewServer builds the routes. mediaDir, when set, is served under /media.
func NewServer(session *link.Session, r *router.Router, mediaDir string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		session:  session,
		router:   r,
		mediaDir: mediaDir,
		started:  time.Now(),
	}
	s.setup()
	return s
}

// Handler exposes the routes for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setup() {
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/health", s.health)
	if s.mediaDir != "" {
		s.engine.Static("/media", s.mediaDir)
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/session", s.getSession)
		v1.POST("/session/discovery", s.startDiscovery)
		v1.POST("/session/teardown", s.teardown)
		v1.POST("/send", s.send)
		v1.POST("/route", s.route)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api", "%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	state := s.session.State()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  state.String(),
		"linked": state.Linked(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Info())
}

func (s *Server) startDiscovery(c *gin.Context) {
	if err := s.session.StartDiscovery(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transport.ErrClosed) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.session.State().String()})
}

func (s *Server) teardown(c *gin.Context) {
	s.session.Teardown()
	c.JSON(http.StatusOK, gin.H{"state": s.session.State().String()})
}

// send delivers an arbitrary JSON object to the phone
func (s *Server) send(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.session.SendJSON(body); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, link.ErrNotLinked) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// route runs a command through the router as if the phone had sent it
func (s *Server) route(c *gin.Context) {
	var env router.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.Type() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if !s.router.Handles(env.Type()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown type " + env.Type()})
		return
	}

	s.router.Route(env)
	c.JSON(http.StatusAccepted, gin.H{"status": "routed"})
}

// Start listens in the background
func (s *Server) Start(addr string) {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		logger.Info("api", "HTTP API listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api", "HTTP server: %v", err)
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
