// cmd/server/main.go
package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/Lianues/manosaba-ai/internal/app"
	"github.com/Lianues/manosaba-ai/internal/config"
	"github.com/Lianues/manosaba-ai/internal/di"
	"github.com/Lianues/manosaba-ai/internal/utils"

	_ "github.com/Lianues/manosaba-ai/internal/llm/providers/gemini"
	_ "github.com/Lianues/manosaba-ai/internal/llm/providers/openai"
)

func main() {
	log.Println("🚀 启动魔女审判故事生成服务...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s，存储: %s", cfg.Port, cfg.StoreBackend)

	// 2. 创建必要的目录
	createDirectories(cfg)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化日志、服务与路由
	application := app.GetApp()
	if err := application.Initialize(cfg); err != nil {
		log.Fatalf("❌ 初始化应用失败: %v", err)
	}
	log.Printf("✅ 服务初始化完成，服务数量: %d", len(di.GetContainer().Names()))
	log.Printf("🔗 访问地址: http://localhost:%s/health", cfg.Port)

	// 4. 运行直到收到退出信号
	if err := application.Run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	utils.GetLogger().Close()
	log.Println("✅ 服务器优雅关闭完成")
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "exports"),
		cfg.LogDir,
	}
	if cfg.StoreBackend == config.StoreFile {
		dirs = append(dirs, filepath.Join(cfg.DataDir, "sessions"))
	}
	if cfg.HistoryDB != "" {
		dirs = append(dirs, filepath.Dir(cfg.HistoryDB))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
