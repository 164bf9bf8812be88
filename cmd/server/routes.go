package main

import (
	"github.com/gin-gonic/gin"

	"github.com/huangang/mrsentry/internal/middleware"
	"github.com/huangang/mrsentry/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Rate limiter for webhook routes
	webhookLimiter := middleware.NewRateLimiter(10, 20)

	r.GET("/health", svc.healthHandler.Check)

	webhooks := r.Group("/webhooks", webhookLimiter.Middleware())
	{
		webhooks.POST("/forge", svc.webhookHandler.HandleForgeWebhook)
		webhooks.POST("/forge/health", svc.webhookHandler.Health)
	}
}
