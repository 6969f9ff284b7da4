package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hivemind/hivemind/internal/common/httpmw"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/gateway/websocket"
)

// NewRouter builds the gin engine with all routes registered. wsHub may
// be nil when the gateway is disabled.
func NewRouter(h *Handlers, wsHub *websocket.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.OtelTracing("hivemind"))

	api := router.Group("/api")
	{
		agents := api.Group("/agents")
		{
			agents.GET("", h.listAgents)
			agents.POST("", h.createAgent)
			agents.POST("/batch", h.createBatch)
			agents.GET("/registry", h.registry)
			agents.GET("/topology", h.topology)
			agents.GET("/:id", h.getAgent)
			agents.PATCH("/:id", h.patchAgent)
			agents.DELETE("/:id", requireHumanActor(), h.destroyAgent)
			agents.POST("/:id/message", h.messageAgent)
			agents.GET("/:id/events", h.agentEvents)
			agents.GET("/:id/raw-events", h.rawEvents)
			agents.GET("/:id/logs", h.agentLogs)
			agents.GET("/:id/files", h.agentFiles)
			agents.GET("/:id/metadata", h.agentMetadata)
			agents.GET("/:id/usage", h.agentUsage)
			agents.POST("/:id/pause", requireHumanActor(), h.pauseAgent)
			agents.POST("/:id/resume", requireHumanActor(), h.resumeAgent)
		}

		messages := api.Group("/messages")
		{
			messages.POST("", h.postMessage)
			messages.GET("", h.queryMessages)
			messages.POST("/read-all", h.markAllRead)
			messages.POST("/:id/read", h.markRead)
			messages.DELETE("/:id", h.deleteMessage)
		}

		api.GET("/guardrails", h.getGuardrails)
		api.PUT("/guardrails", requireHumanActor(), h.setGuardrail)

		workflows := api.Group("/workflows")
		{
			workflows.GET("", h.listWorkflows)
			workflows.POST("", requireHumanActor(), h.startWorkflow)
			workflows.POST("/:id/cancel", requireHumanActor(), h.cancelWorkflow)
		}

		secretsGroup := api.Group("/secrets", requireHumanActor())
		{
			secretsGroup.GET("", h.listSecrets)
			secretsGroup.PUT("", h.setSecret)
			secretsGroup.DELETE("/:name", h.deleteSecret)
		}

		api.GET("/health", h.health)
	}

	if wsHub != nil {
		router.GET("/ws", wsHub.Handler)
	}

	return router
}
