// internal/app/app.go
package app

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/Corphon/DialogueDirectorMCP/internal/analyzer"
	"github.com/Corphon/DialogueDirectorMCP/internal/config"
	"github.com/Corphon/DialogueDirectorMCP/internal/di"
	"github.com/Corphon/DialogueDirectorMCP/internal/services"
	"github.com/Corphon/DialogueDirectorMCP/internal/storage"
	"github.com/Corphon/DialogueDirectorMCP/internal/utils"
)

// App 应用程序实例
type App struct {
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

// GetConfig 返回当前配置副本
func (a *App) GetConfig() *config.AppConfig {
	return config.GetCurrentConfig()
}

// GetDIContainer 返回全局依赖注入容器
func (a *App) GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func (a *App) IsDebugMode() bool {
	return config.GetCurrentConfig().DebugMode
}

// InitServices 按依赖顺序初始化并注册所有服务
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 1. 日志
	if err := utils.InitLogger(filepath.Join(cfg.LogDir, "app.log")); err != nil {
		return fmt.Errorf("ロガー初期化に失敗しました: %w", err)
	}

	// 2. 存储层
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("ストレージ初期化に失敗しました: %w", err)
	}
	container.Register("storage", fileStorage)

	// 3. LLMサービス（密钥缺失时保持未就绪状态，不阻断启动）
	llmService := services.NewLLMService(cfg.LLMProvider, cfg.LLMConfig)
	container.Register("llm", llmService)
	if !llmService.IsReady() {
		log.Println("⚠️ LLMサービスは未設定です。API経由で設定してください")
	}

	// 4. 文本分析器
	textAnalyzer := analyzer.NewRegexAnalyzer()
	container.Register("analyzer", textAnalyzer)

	// 5. 台词模式库
	patternService := services.NewPatternService(fileStorage)
	container.Register("pattern", patternService)

	// 6. 新颖性检测
	noveltyService := services.NewNoveltyService(services.DefaultNoveltyConfig(), textAnalyzer)
	container.Register("novelty", noveltyService)

	// 7. 导演评估
	directorService := services.NewDirectorService(noveltyService, patternService, "standard")
	container.Register("director", directorService)

	// 8. 场景上下文
	contextService := services.NewContextService()
	container.Register("context", contextService)

	// 9. 事件推送与运行持久化
	eventService := services.NewEventService(fileStorage)
	container.Register("event", eventService)

	// 10. 统计
	statsService := services.NewStatsService(fileStorage)
	container.Register("stats", statsService)

	// 11. 对话编排（顶层服务）
	dialogueService := services.NewDialogueService(
		directorService,
		contextService,
		eventService,
		statsService,
		llmService,
	)
	container.Register("dialogue", dialogueService)

	return nil
}

// Cleanup 应用退出前的收尾工作
func (a *App) Cleanup() {
	container := di.GetContainer()

	if stats, ok := container.Get("stats").(*services.StatsService); ok && stats != nil {
		stats.Flush()
	}

	if err := config.SaveConfig(); err != nil {
		log.Printf("⚠️ 設定の保存に失敗しました: %v", err)
	}

	close(a.stopChan)
}
