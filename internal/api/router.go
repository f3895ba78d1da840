// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/MysteryForgeMCP/internal/di"
	"github.com/Corphon/MysteryForgeMCP/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取依赖注入容器
	container := di.GetContainer()

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	authoringService, ok := container.Get("authoring").(*services.AuthoringService)
	if !ok {
		return nil, fmt.Errorf("创作服务未正确初始化")
	}

	scriptService, ok := container.Get("script").(*services.ScriptService)
	if !ok {
		return nil, fmt.Errorf("剧本服务未正确初始化")
	}

	aiStatusService, ok := container.Get("ai_status").(*services.AiStatusService)
	if !ok {
		return nil, fmt.Errorf("AI状态服务未正确初始化")
	}

	handler := NewHandler(configService, authoringService, scriptService, aiStatusService)

	// 会话状态变化通过 WebSocket 推送
	authoringService.SetEventPublisher(SessionEventHub())

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// WebSocket 路由
	r.GET("/ws/sessions/:id", handler.SessionWebSocket)

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API 路由
	api := r.Group("/api")
	{
		// 剧本配置
		configsGroup := api.Group("/configs")
		{
			configsGroup.GET("", handler.ListConfigs)
			configsGroup.POST("", handler.CreateConfig)
			configsGroup.GET("/:id", handler.GetConfig)
			configsGroup.PUT("/:id", handler.UpdateConfig)
			configsGroup.DELETE("/:id", handler.DeleteConfig)
		}

		// 创作会话
		sessionsGroup := api.Group("/authoring/sessions")
		{
			sessionsGroup.GET("", handler.ListSessions)
			sessionsGroup.POST("", handler.CreateSession)
			sessionsGroup.GET("/:id", handler.GetSession)
			sessionsGroup.POST("/:id/advance", handler.AdvanceSession)
			sessionsGroup.POST("/:id/edit", handler.EditPhase)
			sessionsGroup.POST("/:id/approve", handler.ApprovePhase)
			sessionsGroup.POST("/:id/chapters/:index/regenerate", handler.RegenerateChapter)
			sessionsGroup.POST("/:id/retry", handler.RetrySession)
			sessionsGroup.POST("/:id/retry-chapters", handler.RetryFailedChapters)
			sessionsGroup.PUT("/:id/ai-config", handler.UpdateSessionAiConfig)
			sessionsGroup.POST("/:id/assemble", handler.AssembleScript)
		}

		// 成品剧本
		scriptsGroup := api.Group("/scripts")
		{
			scriptsGroup.GET("", handler.ListScripts)
			scriptsGroup.GET("/:id", handler.GetScript)
			scriptsGroup.GET("/:id/playable", handler.GetPlayableStructure)
			scriptsGroup.DELETE("/:id", handler.DeleteScript)
		}

		// AI 配置
		aiGroup := api.Group("/ai")
		{
			aiGroup.GET("/status", handler.GetAiStatus)
			aiGroup.POST("/verify", handler.VerifyAiConfig)
		}

		// WebSocket 管理器状态
		api.GET("/ws/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, SessionEventHub().GetStatus())
		})
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
