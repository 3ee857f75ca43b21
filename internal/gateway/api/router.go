package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
)

// NewRouter builds the gin engine with middleware, the REST surface, and
// the viewer WebSocket endpoint.
func NewRouter(handler *Handler, serverCfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS(serverCfg.AllowedOrigins))

	router.GET("/health", handler.HealthCheck)
	router.GET("/ws/:workspaceId/:sessionId", handler.HandleWebSocket)

	SetupRoutes(router.Group("/api/v1"), handler)
	return router
}

// SetupRoutes registers the REST endpoints on the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	workspaces := router.Group("/workspaces/:workspaceId")
	{
		workspaces.POST("/sessions", handler.CreateSession)
		workspaces.GET("/sessions", handler.ListSessions)
		workspaces.GET("/sessions/:sessionId", handler.GetSession)
		workspaces.POST("/sessions/:sessionId/suspend", handler.SuspendSession)
		workspaces.DELETE("/sessions/:sessionId", handler.CloseSession)
	}

	agents := router.Group("/agents")
	{
		agents.GET("/types", handler.ListAgentTypes)
		agents.GET("/types/:typeId", handler.GetAgentType)
	}
}
