package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ocproxy/ocproxy/internal/common/logger"
)

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(handler *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))

	router.GET("/health", handler.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/instances", handler.ListInstances)
		v1.DELETE("/instances", handler.StopInstance)

		v1.GET("/sessions", handler.ListSessions)
		v1.DELETE("/sessions/:threadId", handler.ClearSession)
		v1.POST("/sessions/:threadId/interrupt", handler.InterruptSession)

		queues := v1.Group("/queues")
		{
			queues.GET("/:threadId", handler.GetQueue)
			queues.POST("/:threadId/entries", handler.Enqueue)
			queues.DELETE("/:threadId", handler.ClearQueue)
			queues.PATCH("/:threadId/settings", handler.UpdateQueueSettings)
		}

		projects := v1.Group("/projects")
		{
			projects.GET("", handler.ListProjects)
			projects.POST("", handler.AddProject)
			projects.DELETE("/:alias", handler.RemoveProject)
			projects.PUT("/:alias/auto-worktree", handler.SetAutoWorktree)
		}

		v1.POST("/bindings", handler.BindChannel)

		allowlist := v1.Group("/allowlist")
		{
			allowlist.GET("", handler.ListAllowlist)
			allowlist.POST("", handler.AddToAllowlist)
			allowlist.DELETE("/:userId", handler.RemoveFromAllowlist)
		}

		v1.GET("/worktrees", handler.ListWorktrees)
	}

	return router
}
