package main

import (
	"checkin-platform/internal/auth"
	"checkin-platform/internal/httpapi"
	"checkin-platform/internal/orchestration"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, webhook orchestration.StatusWebhookHandler, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public). The handler always answers 200 so the
	// provider never retries; rejected writes are logged server-side.
	// NOTE: This endpoint should be protected by provider signature validation in production.
	r.POST("/webhooks/provider/status", webhook.HandleStatusCallback)

	// Token issuance (public).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid})
		})

		v1.GET("/settings", h.GetSettings)

		// SCHEDULE routes
		schedule := v1.Group("/schedule")
		{
			schedule.GET("/upcoming", h.ListScheduledCalls)
			schedule.POST("/resync", h.Resync)
		}

		// CALLS routes
		calls := v1.Group("/calls")
		{
			calls.POST("/trigger", h.TriggerCall)
		}
		v1.GET("/call-logs", h.ListCallLogs)

		// REPORTS routes
		v1.GET("/reports/calls", h.CallsReport)
	}
}
