package server

import (
	"context"
	"net/http"
	"time"

	"github.com/abduss/oakregistry/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const readinessTimeout = 5 * time.Second

// HealthCheck probes one backend for readiness.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func registerHealthRoutes(router *gin.Engine, checks []HealthCheck) {
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/health/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				logger.FromContext(c).Warn("readiness check failed",
					zap.String("component", hc.Name),
					zap.Error(err),
				)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":    "degraded",
					"component": hc.Name,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
