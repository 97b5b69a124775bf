package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relaydev/relay/internal/common/logger"
)

// SetupRoutes configures the Relay API routes on the given engine.
func SetupRoutes(engine *gin.Engine, h *Handler, log *logger.Logger) {
	engine.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	engine.GET("/health", h.Health)
	engine.GET("/ws", h.ServeWS)

	api := engine.Group("/api/v1")
	{
		api.POST("/execute", h.Execute)

		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.GET("/:sessionId", h.GetSession)
			sessions.POST("/:sessionId/interrupt", h.InterruptSession)
			sessions.DELETE("/:sessionId", h.RemoveSession)
			sessions.GET("/:sessionId/transcript", h.GetTranscript)
			sessions.GET("/:sessionId/history", h.GetSessionHistory)
		}

		budget := api.Group("/budget")
		{
			budget.GET("", h.GetBudget)
			budget.POST("/refresh", h.RefreshBudget)
		}

		approvals := api.Group("/approvals")
		{
			approvals.GET("", h.ListApprovals)
			approvals.POST("/:approvalId/resolve", h.ResolveApproval)
			approvals.DELETE("/:approvalId", h.CancelApproval)
		}

		api.GET("/history", h.ListHistory)
		api.GET("/profiles", h.ListProfiles)
	}
}
