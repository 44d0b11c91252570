// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("文本理解服务未正确初始化")
	}

	entityService, ok := container.Get("entity").(*services.EntityService)
	if !ok {
		return nil, fmt.Errorf("实体服务未正确初始化")
	}

	plannerService, ok := container.Get("planner").(*services.PlannerService)
	if !ok {
		return nil, fmt.Errorf("规划服务未正确初始化")
	}

	renderService, ok := container.Get("render").(*services.RenderService)
	if !ok {
		return nil, fmt.Errorf("渲染服务未正确初始化")
	}

	continuityService, ok := container.Get("continuity").(*services.ContinuityService)
	if !ok {
		return nil, fmt.Errorf("连续性服务未正确初始化")
	}

	jobService, ok := container.Get("job").(*services.JobService)
	if !ok {
		return nil, fmt.Errorf("任务服务未正确初始化")
	}

	sequenceService, ok := container.Get("sequence").(*services.SequenceService)
	if !ok {
		return nil, fmt.Errorf("序列服务未正确初始化")
	}

	mediaStore, ok := container.Get("media").(*storage.MediaStore)
	if !ok {
		return nil, fmt.Errorf("媒体存储未正确初始化")
	}

	handler := &Handler{
		LLMService:        llmService,
		EntityService:     entityService,
		PlannerService:    plannerService,
		RenderService:     renderService,
		ContinuityService: continuityService,
		JobService:        jobService,
		SequenceService:   sequenceService,
		MediaService:      mediaStore,
		Response:          NewResponseHelper(),
	}

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// HTTPS重定向（生产环境）
	if !cfg.DebugMode {
		r.Use(func(c *gin.Context) {
			if c.Request.Header.Get("X-Forwarded-Proto") != "https" {
				c.Redirect(http.StatusPermanentRedirect,
					"https://"+c.Request.Host+c.Request.URL.Path)
				return
			}
			c.Next()
		})
	}

	// WebSocket 支持
	r.GET("/ws/jobs/:jobID", handler.JobWebSocket)

	// 媒体文件服务
	r.GET("/media/*path", handler.ServeMedia)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("", handler.SaveSettings)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// ===============================
		// 项目与实体相关路由
		// ===============================
		projectsGroup := api.Group("/projects")
		{
			projectsGroup.POST("", handler.CreateProject)
			projectsGroup.GET("/:id", handler.GetProject)
			projectsGroup.GET("/:id/entities", handler.GetEntities)
			projectsGroup.POST("/:id/entities/identify", PlanningRateLimit(), handler.IdentifyEntities)
			projectsGroup.POST("/:id/entities/:eid/image", handler.UploadEntityImage)
		}

		// ===============================
		// 序列相关路由
		// ===============================
		sequencesGroup := api.Group("/sequences")
		{
			sequencesGroup.POST("", handler.CreateSequence)
			sequencesGroup.GET("/:id", handler.GetSequence)
			sequencesGroup.POST("/:id/plan", PlanningRateLimit(), handler.PlanShots)
			sequencesGroup.POST("/:id/render", RenderRateLimit(), handler.RenderBatch)
			sequencesGroup.POST("/:id/shots/custom", handler.CreateCustomShot)
			sequencesGroup.POST("/:id/shots/:shotID/render", RenderRateLimit(), handler.RenderShot)
			sequencesGroup.POST("/:id/shots/:shotID/edit", RenderRateLimit(), handler.EditShot)

			// 连续性检查
			sequencesGroup.GET("/:id/continuity", handler.GetContinuity)
			sequencesGroup.POST("/:id/continuity/:issueID/fix", handler.ApplyContinuityFix)
			sequencesGroup.POST("/:id/continuity/:issueID/dismiss", handler.DismissContinuityIssue)
		}

		// ===============================
		// 任务轮询与进度
		// ===============================
		api.GET("/jobs/:jobID", handler.GetJob)
		api.GET("/progress/:jobID", handler.SubscribeProgress)
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
