// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/api"
	"github.com/Corphon/StoryboardMCP/internal/app"
	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"

	// 注册能力提供者
	_ "github.com/Corphon/StoryboardMCP/internal/imagegen/providers/flux"
	_ "github.com/Corphon/StoryboardMCP/internal/imagegen/providers/gemini"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/google"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/openai"
)

func main() {
	log.Println("🚀 启动 StoryboardMCP 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置系统与文件日志
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化配置系统失败: %v", err)
	}
	if err := utils.InitLogger(filepath.Join(baseConfig.LogDir, "render.log")); err != nil {
		log.Printf("⚠️ 初始化文件日志失败: %v", err)
	}
	log.Println("✅ 配置系统初始化完成")

	// 4. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Printf("✅ 所有服务初始化完成，服务数量: %d", len(di.GetContainer().GetNames()))

	// 5. 设置路由（只获取服务，不创建）
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 6. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", baseConfig.Port)

	setupGracefulShutdown(router, baseConfig.Port)
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{"llm", "sequence", "planner", "reference", "render", "job"}

	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// 优雅关闭函数
func setupGracefulShutdown(router *gin.Engine, port string) {
	application := app.GetApp()

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := application.Start(router, port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	if err := application.Shutdown(30 * time.Second); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "projects"),
		filepath.Join(cfg.DataDir, "sequences"),
		filepath.Join(cfg.DataDir, "media", "entities"),
		filepath.Join(cfg.DataDir, "media", "shots"),
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
