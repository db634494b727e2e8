package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"qvault/internal/auth"
	"qvault/internal/config"
	"qvault/internal/logging"
	"qvault/internal/monitoring"
	"qvault/internal/provider"
	"qvault/internal/vault"
)

// Server presents the credential vault's operations over HTTP.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	jwtManager *auth.JWTManager
	metrics    *monitoring.Metrics
	log        *logging.Logger
}

// Handlers contains all API handlers
type Handlers struct {
	Auth  *AuthHandler
	Vault *VaultHandler
}

// NewServer creates a new API server around an already-open vault.
func NewServer(cfg *config.Config, v *vault.Vault, registry *provider.Registry, metrics *monitoring.Metrics, log *logging.Logger) *Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = logging.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	router := gin.New()
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTDuration)

	server := &Server{
		config:     cfg,
		router:     router,
		jwtManager: jwtManager,
		metrics:    metrics,
		log:        log.WithField("component", "api"),
	}

	server.handlers = &Handlers{
		Auth:  NewAuthHandler(cfg.Auth, jwtManager, server.log),
		Vault: NewVaultHandler(v, registry, metrics, server.log),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogMiddleware())
	s.router.Use(corsMiddleware(s.config.CORS))
	if s.config.RateLimit.Enabled {
		s.router.Use(rateLimitMiddleware(s.config.RateLimit))
	}
	s.router.Use(s.metrics.MetricsMiddleware())

	s.router.GET("/health", s.handleHealth)
	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.handlers.Auth.Login)

		secured := v1.Group("")
		secured.Use(s.authMiddleware())
		{
			secured.GET("/credentials", s.handlers.Vault.Status)
			secured.GET("/credentials/export", s.handlers.Vault.Export)
			secured.PUT("/credentials/:service", s.handlers.Vault.Update)
			secured.DELETE("/credentials/:service", s.handlers.Vault.Remove)
			secured.POST("/credentials/:service/test", s.handlers.Vault.TestConnection)
			secured.GET("/security/audit", s.handlers.Vault.AuditReport)
			secured.GET("/security/rotations", s.handlers.Vault.RotationEvents)
		}
	}
}

// Router exposes the gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.log.WithField("addr", addr).Info("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("API server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.config.App.Name,
		"version": s.config.App.Version,
	})
}

// authMiddleware validates the Bearer token on admin routes.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Success: false,
				Error:   "missing bearer token",
			})
			return
		}

		claims, err := s.jwtManager.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Success: false,
				Error:   "invalid token",
			})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.WithFields(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("request handled")
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware(corsConfig config.CORSConfig) gin.HandlerFunc {
	origin := "*"
	if len(corsConfig.AllowedOrigins) == 1 {
		origin = corsConfig.AllowedOrigins[0]
	}

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware applies a process-wide token bucket to all requests.
func rateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
				Success: false,
				Error:   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
