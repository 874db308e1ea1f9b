package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/autopilot"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/logging"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

// GuardAPI is what the control loop exposes to operators
type GuardAPI interface {
	Status() autopilot.Status
	ProtectionResults() map[string]protection.Result
	Flags() []string
	Stop()
}

// CircuitAPI exposes breaker state
type CircuitAPI interface {
	GetStats() map[string]interface{}
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	config       ServerConfig
	guard        GuardAPI
	circuit      CircuitAPI
	eventBus     *events.EventBus
	hub          *WSHub
	jwtManager   *auth.JWTManager // nil when auth is disabled
	authHandlers *auth.Handlers
	logger       zerolog.Logger
	started      time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProductionMode bool
}

// NewServer creates a new API server. Passing a nil jwtManager disables
// authentication and with it the shutdown endpoint.
func NewServer(
	config ServerConfig,
	guard GuardAPI,
	circuit CircuitAPI,
	eventBus *events.EventBus,
	jwtManager *auth.JWTManager,
	authHandlers *auth.Handlers,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:       router,
		config:       config,
		guard:        guard,
		circuit:      circuit,
		eventBus:     eventBus,
		jwtManager:   jwtManager,
		authHandlers: authHandlers,
		logger:       logger.With().Str("component", "API").Logger(),
		started:      time.Now(),
	}
	router.Use(s.requestLogger())

	s.hub = InitWebSocket(eventBus, s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) authEnabled() bool {
	return s.jwtManager != nil
}

// requestLogger tags every request with a trace id and logs its outcome
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, l := logging.WithTraceContext(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceID(ctx))

		c.Next()

		ev := l.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = l.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled()})
	})

	api := s.router.Group("/api")
	if s.authEnabled() {
		s.router.POST("/api/auth/login", s.authHandlers.Login)
		api.Use(auth.Middleware(s.jwtManager))
		api.GET("/auth/me", s.authHandlers.GetCurrentUser)
	}

	api.GET("/status", s.handleStatus)
	api.GET("/protection", s.handleProtection)
	api.GET("/circuit", s.handleCircuit)
	api.GET("/flags", s.handleFlags)

	if s.authEnabled() {
		api.POST("/shutdown", auth.RequireOperator(), s.handleShutdown)
	} else {
		api.POST("/shutdown", func(c *gin.Context) {
			errorResponse(c, http.StatusForbidden, "shutdown over HTTP requires auth to be enabled")
		})
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Bool("auth", s.authEnabled()).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
