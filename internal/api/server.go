package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"qstream/internal/auth"
	"qstream/internal/config"
	"qstream/internal/logger"
	"qstream/internal/middleware"
	"qstream/internal/monitoring"
	"qstream/internal/router"
	"qstream/internal/stream"
)

// Dependencies are the services the API server exposes.
type Dependencies struct {
	Service *stream.Service
	JWT     *auth.JWTManager
	Metrics *monitoring.Metrics
	Logger  logger.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	log        logger.Logger

	jwt     *auth.JWTManager
	metrics *monitoring.Metrics
	router  *router.Router

	stream    *StreamHandler
	websocket *WebSocketHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Service == nil || deps.JWT == nil || deps.Metrics == nil {
		return nil, errors.New("api: service, JWT manager and metrics are required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetGlobalLogger()
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.New(deps.Service, router.Options{
		Logger:           deps.Logger,
		MaxSubscriptions: cfg.Stream.MaxSubscriptions,
		SubscribeRate:    cfg.Stream.SubscribeRate,
		SubscribeBurst:   cfg.Stream.SubscribeBurst,
		SendBuffer:       cfg.WebSocket.SendBuffer,
	})
	ws, err := NewWebSocketHandler(r, deps.JWT, cfg.WebSocket, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("websocket handler: %w", err)
	}

	s := &Server{
		config:    cfg,
		engine:    gin.New(),
		log:       deps.Logger,
		jwt:       deps.JWT,
		metrics:   deps.Metrics,
		router:    r,
		stream:    NewStreamHandler(deps.Service, r, cfg.App.Version),
		websocket: ws,
	}
	s.httpServer = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	apiDoc.bind(deps.Service, cfg.App.Version, cfg.WebSocket.Path)
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.ErrorHandler(s.log))
	s.engine.Use(middleware.RequestLogger(s.log))
	s.engine.Use(s.metrics.MetricsMiddleware())
	s.engine.Use(corsMiddleware(s.config.WebSocket.AllowedOrigins))
	if s.config.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerMinute, s.config.RateLimit.Burst, 0)
		s.engine.Use(rl.Middleware())
	}
	s.engine.Use(middleware.HandleError(s.log))

	s.engine.GET("/health", s.stream.Health)
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
		ginSwagger.InstanceName(SwaggerInstance)))
	if s.config.Monitoring.PrometheusEnabled {
		s.engine.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.metrics.Handler()))
	}
	s.engine.GET(s.config.WebSocket.Path, s.websocket.Stream)

	v1 := s.engine.Group("/api/v1/stream")
	{
		v1.GET("/routes", s.stream.ListRoutes)
		v1.GET("/topics", s.jwt.AuthMiddleware(), s.stream.ListTopics)
	}
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Router returns the connection router.
func (s *Server) Router() *router.Router {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Server.Addr(), err)
	}
	return s.Serve(l)
}

// Serve serves on l until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("Starting API server", "addr", l.Addr().String(), "ws_path", s.config.WebSocket.Path)
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server: open WebSocket connections are closed
// (releasing their subscriptions) before in-flight HTTP requests drain.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down server...")

	if err := s.websocket.Close(ctx); err != nil {
		s.log.Warn("WebSocket connections did not close in time", "error", err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info("Server stopped gracefully")
	return nil
}

// corsMiddleware adds CORS headers for the allowed origins.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.ContainsFunc(allowed, func(o string) bool { return strings.EqualFold(o, origin) }):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
