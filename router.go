package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/featured-placement/internal/di"
	"github.com/prohmpiriya/featured-placement/pkg/config"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/middleware"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

const serviceName = "featured-placement"

// newRouter wires the HTTP routes. rc may be nil, in which case idempotency keys are ignored.
func newRouter(cfg *config.Config, container *di.Container, rc middleware.RedisClient) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(telemetry.TracingMiddleware(serviceName, "/health", "/ready"))
	router.Use(middleware.RequestLogger(logger.Get()))

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	idempotent := func(c *gin.Context) { c.Next() }
	if rc != nil {
		idempotent = middleware.IdempotencyMiddleware(&middleware.IdempotencyConfig{
			Redis:         rc,
			TTL:           24 * time.Hour,
			ProcessingTTL: time.Minute,
		})
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": cfg.App.Version,
				"service": serviceName,
			})
		})

		featured := v1.Group("/featured")

		// Public capacity lookup
		featured.GET("/areas/:area/capacity", container.PlacementHandler.GetCapacity)

		owner := featured.Group("")
		owner.Use(middleware.BearerAuth(cfg.JWT.Secret, cfg.JWT.Issuer))
		{
			owner.POST("/join", idempotent, container.PlacementHandler.Join)
			owner.GET("/entries/:id", container.PlacementHandler.GetEntry)
			owner.POST("/entries/:id/requeue", idempotent, container.PlacementHandler.Requeue)
		}
	}

	internal := router.Group("/internal")
	internal.Use(middleware.ServiceKeyAuth(cfg.Scheduler.ServiceKey))
	{
		internal.POST("/scheduler/run", container.SchedulerHandler.Run)
	}

	router.POST("/webhooks/stripe", container.WebhookHandler.HandleStripeWebhook)

	return router
}
