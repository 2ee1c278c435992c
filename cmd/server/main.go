// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/DialogueDirectorMCP/internal/api"
	"github.com/Corphon/DialogueDirectorMCP/internal/app"
	"github.com/Corphon/DialogueDirectorMCP/internal/config"
	"github.com/Corphon/DialogueDirectorMCP/internal/di"
	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("🚀 启动 DialogueDirectorMCP 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置系统
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化配置系统失败: %v", err)
	}
	log.Println("✅ 配置系统初始化完成")

	// 4. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 5. 确保默认范例库就位
	ensureDefaultPatterns(baseConfig)

	// 6. 设置路由（只获取服务，不创建）
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 7. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 运行接口: http://localhost:%s/api/runs", baseConfig.Port)
	log.Printf("🔗 事件流: ws://localhost:%s/ws/events", baseConfig.Port)

	setupGracefulShutdown(router, baseConfig.Port)
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{"llm", "dialogue", "director", "novelty", "pattern"}

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
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	app.GetApp().Cleanup()

	// 给定超时时间关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "runs"),
		filepath.Join(cfg.DataDir, "patterns"),
		filepath.Join(cfg.DataDir, "stats"),
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}

// ensureDefaultPatterns 标准模式的范例库缺失时写入默认内容
func ensureDefaultPatterns(cfg *config.Config) {
	path := filepath.Join(cfg.DataDir, "patterns", "standard.json")
	if _, err := os.Stat(path); err == nil {
		return
	}

	defaults := map[string]string{
		"specific_slot":        "数値や固有名詞を一つ入れて、さっきの話をもっと具体的にしてください。",
		"conflict_within":      "相手の意見に一点だけ反論して、理由を添えてください。",
		"action_next":          "次に何をするか、具体的な行動を一つ提案してください。",
		"past_reference":       "以前に起きた出来事を引き合いに出して話してください。",
		"why_probe":            "なぜそうなったのか、理由を掘り下げて聞いてください。",
		"expand_view":          "視点を変えて、別の立場から状況を語ってください。",
		"change_topic":         "今の話題から離れて、場面に関係する別の話を始めてください。",
		"depth_1":              "まずは目の前の状況を観察して言葉にしてください。",
		"depth_2":              "気づいたことを相手と共有し、意見を求めてください。",
		"depth_3":              "ここまでの話をまとめて、結論に向かってください。",
		"event_success":        "うまくいったことを喜び、次の目標に触れてください。",
		"event_failure":        "失敗の原因を振り返り、対策を話し合ってください。",
		"event_sensor_anomaly": "計器の異常値に気づき、確認する行動を取ってください。",
		"upcoming_difficulty":  "これから起きそうな問題に備える話をしてください。",
		"sensor_spread":        "読み値のばらつきに言及し、どれを信じるか議論してください。",
	}

	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		log.Printf("⚠️ 默认范例库序列化失败: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("⚠️ 默认范例库写入失败: %v", err)
		return
	}
	log.Println("✅ 默认范例库已生成")
}
