// internal/api/router.go
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/DialogueDirectorMCP/internal/config"
	"github.com/Corphon/DialogueDirectorMCP/internal/di"
	"github.com/Corphon/DialogueDirectorMCP/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// ✅ 只从容器获取服务，不再创建新实例
	dialogueService, ok := container.Get("dialogue").(*services.DialogueService)
	if !ok {
		return nil, fmt.Errorf("对话服务未正确初始化")
	}

	eventService, ok := container.Get("event").(*services.EventService)
	if !ok {
		return nil, fmt.Errorf("事件服务未正确初始化")
	}

	patternService, ok := container.Get("pattern").(*services.PatternService)
	if !ok {
		return nil, fmt.Errorf("模式服务未正确初始化")
	}

	statsService, ok := container.Get("stats").(*services.StatsService)
	if !ok {
		return nil, fmt.Errorf("统计服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	handler := NewHandler(
		dialogueService,
		eventService,
		patternService,
		statsService,
		llmService,
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API路由
	apiGroup := r.Group("/api")
	{
		runs := apiGroup.Group("/runs")
		{
			runs.POST("", RateLimitByIP(10, time.Minute), handler.StartRun)
			runs.GET("/current", handler.GetCurrentRun)
			runs.POST("/current/stop", handler.StopRun)
			runs.POST("/current/interrupt", handler.QueueInterrupt)
			runs.GET("/:run_id", handler.GetRun)
			runs.GET("/:run_id/events", handler.GetRunEvents)
		}

		apiGroup.POST("/patterns/reload", handler.ReloadPatterns)
		apiGroup.GET("/stats", handler.GetStats)
		apiGroup.GET("/metrics", handler.GetMetrics)

		llmGroup := apiGroup.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}
	}

	// WebSocket事件流
	r.GET("/ws/events", handler.RunEventsWebSocket)

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
