package server

import (
	"fmt"

	"github.com/abduss/oakregistry/internal/auth"
	"github.com/abduss/oakregistry/internal/catalog"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/logger"
	"github.com/abduss/oakregistry/internal/metrics"
	"github.com/abduss/oakregistry/internal/publish"
	"github.com/abduss/oakregistry/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config         config.Config
	Checks         []HealthCheck
	Verifier       *auth.Verifier
	Limiter        *ratelimit.Limiter
	PublishService *publish.Service
	CatalogService *catalog.Service
}

// NewRouter builds a Gin engine with foundational middleware and routes.
// Forwarded client addresses are honoured only from the configured proxies.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.Config.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(logger.Middleware())
	router.Use(metrics.Middleware())
	if deps.Limiter != nil {
		router.Use(deps.Limiter.Middleware())
	}

	registerHealthRoutes(router, deps.Checks)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	api := router.Group("/v1")
	if deps.CatalogService != nil {
		catalog.RegisterRoutes(api, deps.CatalogService)
		catalog.RegisterDownloadRoutes(router.Group(""), deps.CatalogService)
	}
	if deps.Verifier != nil {
		auth.RegisterRoutes(api, deps.Verifier)
		if deps.PublishService != nil {
			publish.RegisterRoutes(api, deps.PublishService, deps.Verifier)
		}
	}

	return router, nil
}
