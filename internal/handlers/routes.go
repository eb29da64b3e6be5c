package handlers

import (
	"net/http"

	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
)

// RegisterSessionRoutes 会话信号与管理员命令
func RegisterSessionRoutes(r *gin.RouterGroup, handler *SessionHandler) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", handler.OpenSession)
		sessions.GET("/:id", handler.GetSession)
		sessions.POST("/:id/activity", handler.RecordActivity)
		sessions.POST("/:id/leave", handler.RecordLeave)
		sessions.POST("/:id/claim", handler.ClaimSession)
		sessions.POST("/:id/unassign", handler.Unassign)
		sessions.GET("/:id/events", handler.ListEvents)
	}

	admin := r.Group("/admin/sessions", RequireAdmin())
	{
		admin.POST("/:id/force-assign", handler.ForceAssign)
		admin.POST("/:id/unlock", handler.UnlockSession)
		admin.POST("/:id/end", handler.EndChat)
	}
}

// RequireAdmin 管理员命令必须带网关注入的 X-Admin-ID
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderAdminID) == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   "Forbidden",
				Message: HeaderAdminID + " header is required",
			})
			return
		}
		c.Next()
	}
}

func RegisterAgentRoutes(r *gin.RouterGroup, handler *AgentHandler) {
	agents := r.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("/:id/heartbeat", handler.Heartbeat)
		agents.POST("/:id/login", handler.Login)
		agents.POST("/:id/logout", handler.Logout)
		agents.PUT("/:id/priority", handler.SetPriority)
	}
}

func RegisterSettingsRoutes(r *gin.RouterGroup, handler *SettingsHandler) {
	r.GET("/settings", handler.GetSettings)
	r.PUT("/settings", handler.UpdateSettings)
}

// RegisterConsoleRoutes 控制台 WebSocket 与统计
func RegisterConsoleRoutes(r *gin.RouterGroup, hub *services.WebSocketHub, metricsHandler *MetricsHandler) {
	r.GET("/ws", hub.HandleWebSocket)
	r.GET("/stats", metricsHandler.GetStats)
}
