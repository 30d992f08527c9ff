package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/api/handlers"
	"github.com/provisio/provisio/internal/api/middleware"
	"github.com/provisio/provisio/internal/catalog"
	"github.com/provisio/provisio/internal/config"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/provisioning"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, tenants *provisioning.Service, products *catalog.Service,
	repo handlers.Pinger, collector *metrics.Collector, logger *zap.Logger) *Server {

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.Metrics(collector))
	router.Use(middleware.RateLimit(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst))

	server := &Server{
		Config: cfg,
		Router: router,
	}

	server.setupRoutes(tenants, products, repo, logger)
	return server
}

func (s *Server) setupRoutes(tenants *provisioning.Service, products *catalog.Service,
	repo handlers.Pinger, logger *zap.Logger) {

	h := handlers.NewHandler(tenants, products, repo, logger)

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provisioning API (protected)
	api := s.Router.Group("/")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))

	// Tenant routes
	{
		api.GET("/tenants", h.ListTenants)
		api.POST("/tenant", h.CreateTenant)
		api.GET("/tenant", h.GetTenant)
		api.DELETE("/tenant", h.DeleteTenant)
		api.GET("/tenant/applications", h.ListTenantApplications)
		api.GET("/tenant/application/key/ext", h.ListApplicationExtKeys)
		api.POST("/tenant/application/key", h.AddApplicationKey)
		api.POST("/tenant/application/key/ext", h.AddApplicationExtKey)
	}

	// Product routes
	{
		api.GET("/products", h.ListProducts)
		api.GET("/products/console", h.ListConsoleProducts)
		api.GET("/product", h.GetProduct)
		api.POST("/product", h.AddProduct)
		api.DELETE("/product", h.DeleteProduct)
		api.PUT("/product/purge", h.PurgeProduct)
		api.GET("/product/packages", h.ListProductPackages)
		api.GET("/product/package", h.GetProductPackage)
		api.POST("/product/package", h.AddProductPackage)
		api.DELETE("/product/package", h.DeleteProductPackage)
	}
}
