package handler

import (
	"net/http"

	"posapproval/internal/middleware"
	"posapproval/pkg/response"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RouterConfig carries what the router needs beyond the handlers
type RouterConfig struct {
	JWTSecret   []byte
	CORSOrigins []string
	Gatherer    prometheus.Gatherer
	WebSocket   gin.HandlerFunc
	Health      func() error
	Log         zerolog.Logger
}

// Handlers groups every route owner mounted under /api
type Handlers struct {
	Users       *UserHandler
	Approvals   *ApprovalHandler
	Delegations *DelegationHandler
	Rules       *RuleHandler
	Audit       *AuditHandler
}

// NewRouter builds the gin engine: cors, swagger, health, metrics, the
// websocket endpoint and the /api tree
func NewRouter(cfg RouterConfig, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(cfg.Log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", func(c *gin.Context) {
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, response.Error(http.StatusServiceUnavailable, "database unavailable"))
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.WebSocket)
	}

	api := router.Group("/api")
	h.Users.RegisterPublicRoutes(api)

	protected := api.Group("", middleware.Authenticate(cfg.JWTSecret))
	h.Users.RegisterRoutes(protected)
	h.Approvals.RegisterRoutes(protected)
	h.Delegations.RegisterRoutes(protected)
	h.Rules.RegisterRoutes(protected)
	h.Audit.RegisterRoutes(protected)

	return router
}
