package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/middleware"
	"campus-chat/internal/telemetry"
)

const debugTokenTTL = 24 * time.Hour

type debugTokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Name   string `json:"name"`
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, secret []byte, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Issues relay tokens for local clients without an auth service.
	router.POST("/debug/token", func(c *gin.Context) {
		var req debugTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		token, err := middleware.IssueToken(secret, middleware.Identity{UserID: req.UserID, Name: req.Name}, debugTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})
}
