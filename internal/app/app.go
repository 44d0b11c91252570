// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/storage"
)

// App 应用程序实例
type App struct {
	server   *http.Server
	stopChan chan struct{}
}

var (
	instance *App
	appOnce  sync.Once
)

// GetApp 获取应用单例
func GetApp() *App {
	appOnce.Do(func() {
		instance = &App{
			stopChan: make(chan struct{}),
		}
	})
	return instance
}

// InitServices 按依赖顺序初始化所有服务并注册到容器
// 顺序不可调换：存储 → 序列 → LLM → 实体/规划 → 引用 → 渲染 → 连续性 → 任务
func InitServices() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	container := di.GetContainer()

	// 1. 媒体与文档存储
	mediaStore, err := storage.NewMediaStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化媒体存储失败: %w", err)
	}
	container.Register("media", mediaStore)

	// 2. 序列服务（文档生命周期）
	sequenceService := services.NewSequenceService(mediaStore)
	container.Register("sequence", sequenceService)

	// 3. 文本理解服务（未配置API密钥时以未就绪状态启动）
	llmService, err := services.NewLLMService()
	if err != nil {
		return fmt.Errorf("初始化文本理解服务失败: %w", err)
	}
	container.Register("llm", llmService)
	if !llmService.IsReady() {
		log.Printf("警告: 文本理解服务未就绪: %s", llmService.GetReadyState())
	}

	// 4. 实体与规划服务
	entityService := services.NewEntityService(llmService, sequenceService, mediaStore)
	container.Register("entity", entityService)

	plannerService := services.NewPlannerService(llmService, sequenceService)
	container.Register("planner", plannerService)

	// 5. 引用解析与预算
	referenceService := services.NewReferenceService(entityService, mediaStore, cfg.MaxReferenceImages)
	container.Register("reference", referenceService)

	// 6. 渲染服务
	renderService := services.NewRenderService(llmService, sequenceService, referenceService, mediaStore)
	container.Register("render", renderService)
	if !renderService.IsReady() {
		log.Println("警告: 图像生成后端未配置，渲染功能在设置后可用")
	}

	// 7. 连续性检查
	continuityService := services.NewContinuityService(sequenceService)
	container.Register("continuity", continuityService)

	// 8. 异步任务注册表
	jobService := services.NewJobService()
	container.Register("job", jobService)

	return nil
}

// Start 启动HTTP服务器
func (a *App) Start(handler http.Handler, port string) error {
	a.server = &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	return a.server.ListenAndServe()
}

// Shutdown 优雅关闭
func (a *App) Shutdown(timeout time.Duration) error {
	close(a.stopChan)

	if a.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return a.server.Shutdown(ctx)
}
