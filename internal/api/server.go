// Package api provides the HTTP API server for nodereg.
// It uses the Echo framework to serve the node ping endpoint, the node
// record REST endpoints and a WebSocket stream of node events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"evalgo.org/nodereg/internal/auth"
	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/metrics"
	"evalgo.org/nodereg/internal/registry"
	"evalgo.org/nodereg/internal/version"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the nodereg API server.
type Server struct {
	echo       *echo.Echo
	svc        *registry.Service
	store      Pinger
	config     *config.Config
	wsHub      *Hub // WebSocket hub for node events
	authMiddle *auth.Middleware
	logger     *logrus.Entry
}

// New creates a new API server instance. The hub is shared with the
// registry service, which publishes node events to it; the server runs it
// and stops it on Shutdown.
func New(cfg *config.Config, svc *registry.Service, store Pinger, hub *Hub, logger *logrus.Entry) *Server {
	e := echo.New()

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// Set custom error handler
	e.HTTPErrorHandler = HTTPErrorHandler

	server := &Server{
		echo:       e,
		svc:        svc,
		store:      store,
		config:     cfg,
		wsHub:      hub,
		authMiddle: auth.NewMiddleware(cfg),
		logger:     logger,
	}

	go hub.Run()

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestID())
	s.echo.Use(RequestLogger(s.logger))
	s.echo.Use(middleware.Recover())
	s.echo.Use(SecurityHeaders)

	// CORS middleware
	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	// Rate limiting
	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := s.echo.Group("/api/v1")

	nodes := v1.Group("/nodes")
	// The ping secret is the credential for pings
	nodes.POST("/:uuid/ping", s.pingNode, ValidateUUIDFormat)
	nodes.POST("", s.createNode, s.authMiddle.RequireAdmin)
	nodes.GET("", s.listNodes, s.authMiddle.RequireRead)
	nodes.GET("/:uuid", s.getNode, ValidateUUIDFormat, s.authMiddle.RequireRead)
	nodes.PUT("/:uuid/slurm-state", s.updateSlurmState, ValidateUUIDFormat, s.authMiddle.RequireReport)
	nodes.PUT("/:uuid/job", s.setJob, ValidateUUIDFormat, s.authMiddle.RequireAdmin)

	ws := v1.Group("/ws")
	ws.GET("/nodes", s.handleNodeEvents, s.authMiddle.RequireRead)
	ws.GET("/stats", s.getWebSocketStats, s.authMiddle.RequireRead)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.logger.WithFields(logrus.Fields{
		"address": addr,
		"storage": s.config.Storage.Driver,
		"tls":     s.config.Server.TLSEnabled,
	}).Info("Starting nodereg API server")

	// Configure server timeouts
	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	var err error
	if s.config.Server.TLSEnabled {
		err = s.echo.StartTLS(addr, s.config.Server.TLSCert, s.config.Server.TLSKey)
	} else {
		err = s.echo.Start(addr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down nodereg API server")
	defer s.wsHub.Stop()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// ServeHTTP lets the server be driven directly by tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// healthCheck handles health check requests.
func (s *Server) healthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status:  "healthy",
		Service: "nodereg",
		Version: version.Version,
		Storage: s.config.Storage.Driver,
	}
	if err := s.store.Ping(c.Request().Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
