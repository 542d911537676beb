package api

import (
	"log/slog"
	"net/http"

	"github.com/adamscao/sshca/internal/api/handlers"
	"github.com/adamscao/sshca/internal/api/middleware"
	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/config"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/issuance"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"
)

// Deps are the collaborators the HTTP layer dispatches to
type Deps struct {
	Config   *config.Config
	DB       *bun.DB
	Issuance *issuance.Service
	Tokens   *auth.TokenManager
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	config *config.Config
}

// NewServer creates a new API server
func NewServer(deps Deps) (*Server, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.SecureHeaders(logger))
	router.Use(deps.Metrics.Middleware())
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(cfg.RateLimit.RequestsPerMinute))
	}

	users := repository.NewUserRepository(deps.DB)
	principals := repository.NewPrincipalRepository(deps.DB)
	hosts := repository.NewHostRepository(deps.DB)
	grants := repository.NewGrantRepository(deps.DB)
	audit := repository.NewAuditRepository(deps.DB)
	resolver := deps.Issuance.Resolver()

	authn := middleware.NewAuthenticator(cfg.Admin.Token, users, audit, deps.Tokens, deps.Metrics, logger)
	auditor := handlers.NewAuditor(audit, logger)

	// Create handlers
	caHandler := handlers.NewCAHandler(deps.Issuance.Signer())
	certHandler := handlers.NewCertHandler(deps.Issuance, auditor)
	adminHandler := handlers.NewAdminHandler(users, principals, grants, resolver, auditor)
	hostHandler := handlers.NewHostHandler(hosts, grants, deps.Tokens, resolver, deps.Metrics, auditor, logger)
	bootstrapHandler := handlers.NewBootstrapHandler()

	router.GET("/health", caHandler.Health)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Public endpoints
		v1.GET("/health", caHandler.Health)
		v1.GET("/ca.pub", caHandler.GetPublicKey)
		v1.GET("/revoked_keys", certHandler.RevokedKeys)
		v1.GET("/bootstrap/host.sh", bootstrapHandler.GetHostScript)

		// Admin or host bearer
		either := v1.Group("")
		either.Use(authn.AdminOrHostAuth())
		{
			either.POST("/sign", certHandler.Sign)
			either.GET("/authorized-principals", hostHandler.AuthorizedPrincipals)
		}

		// Admin endpoints
		admin := v1.Group("")
		admin.Use(authn.AdminAuth())
		{
			admin.GET("/cert-issues", certHandler.ListIssues)
			admin.POST("/revoke", certHandler.Revoke)

			admin.GET("/hosts", hostHandler.ListHosts)
			admin.POST("/hosts", hostHandler.CreateHost)
			admin.GET("/hosts/:id", hostHandler.GetHost)
			admin.PATCH("/hosts/:id", hostHandler.UpdateHost)
			admin.DELETE("/hosts/:id", hostHandler.DeleteHost)
			admin.POST("/hosts/:id/rotate-token", hostHandler.RotateToken)
			admin.PUT("/hosts/:id/principals", hostHandler.SetHostPrincipals)

			admin.GET("/principals", adminHandler.ListPrincipals)
			admin.POST("/principals", adminHandler.CreatePrincipal)
			admin.DELETE("/principals/:id", adminHandler.DeletePrincipal)

			admin.GET("/users", adminHandler.ListUsers)
			admin.POST("/users", adminHandler.CreateUser)
			admin.GET("/users/:id", adminHandler.GetUser)
			admin.PATCH("/users/:id", adminHandler.UpdateUser)
			admin.DELETE("/users/:id", adminHandler.DeleteUser)
			admin.PUT("/users/:id/principals", adminHandler.SetUserPrincipals)
			admin.POST("/users/:id/totp", adminHandler.EnrollTOTP)

			admin.GET("/user-principals", adminHandler.UserPrincipals)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": "no such endpoint"})
	})

	return &Server{
		router: router,
		config: cfg,
	}, nil
}

// HTTPServer returns an http.Server configured from the server section
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}
}

// Router returns the underlying Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}
