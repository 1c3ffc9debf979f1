// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Lianues/manosaba-ai/internal/api"
	"github.com/Lianues/manosaba-ai/internal/config"
	"github.com/Lianues/manosaba-ai/internal/di"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/observability"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/services"
	"github.com/Lianues/manosaba-ai/internal/storage"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

const (
	shutdownTimeout   = 30 * time.Second
	progressIdleAfter = time.Hour
	memoryStoreSize   = 10000
)

// httpServer 便于在测试中替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序结构
type App struct {
	config   *config.Config
	router   *gin.Engine
	server   httpServer
	stopChan chan os.Signal

	otelShutdown observability.ShutdownFunc
	cancelBg     context.CancelFunc
	cleanupOnce  sync.Once
}

var instance *App

// GetApp 获取应用实例（单例）
func GetApp() *App {
	if instance == nil {
		instance = &App{stopChan: make(chan os.Signal, 1)}
	}
	return instance
}

// Initialize 初始化日志、追踪、服务与路由
func (a *App) Initialize(cfg *config.Config) error {
	a.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return err
	}
	if cfg.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	a.otelShutdown = observability.InitOTel(context.Background(), observability.Options{
		ServiceName: "manosaba-ai",
		Enabled:     cfg.OTelEnabled,
	})

	if err := InitServices(cfg); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter(cfg)
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router
	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.startBackground()
	return nil
}

// startBackground 定期清理空闲的进度追踪器并输出指标
func (a *App) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel

	if progress, err := di.Resolve[*services.ProgressService](di.GetContainer(), "progress"); err == nil {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					progress.CleanupIdle(progressIdleAfter)
				}
			}
		}()
	}
	if a.config.DebugMode {
		utils.NewAPIMetrics().StartMetricsCollection(ctx, 5*time.Minute)
	}
}

// newStore 按配置创建会话存储
func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreFile:
		return storage.NewFileStore(filepath.Join(cfg.DataDir, "sessions"), cfg.StoreTTL)
	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.StoreTTL)
	default:
		return storage.NewMemoryStore(memoryStoreSize, cfg.StoreTTL), nil
	}
}

// newHistory 配置了 HISTORY_DB 时使用 SQLite，否则进程内保存
func newHistory(cfg *config.Config) (storage.HistoryStore, error) {
	if cfg.HistoryDB == "" {
		return storage.NewMemoryHistory(), nil
	}
	return storage.OpenSQLHistory(cfg.HistoryDB)
}

// loadAssets 读取提示模板与参考资料
func loadAssets(cfg *config.Config) (services.Assets, error) {
	templates := prompt.DefaultTemplates()
	if cfg.PromptsFile != "" {
		loaded, err := prompt.LoadTemplates(cfg.PromptsFile)
		if err != nil {
			return services.Assets{}, err
		}
		templates = loaded
	}
	reference, err := prompt.LoadReference(cfg.ReferenceDoc)
	if err != nil {
		return services.Assets{}, err
	}
	return services.Assets{Templates: templates, Reference: reference}, nil
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices(cfg *config.Config) error {
	container := di.GetContainer()
	logger := utils.GetLogger()

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("创建会话存储失败: %w", err)
	}
	container.RegisterCloser("store", store, store.Close)

	history, err := newHistory(cfg)
	if err != nil {
		return fmt.Errorf("打开大纲历史失败: %w", err)
	}
	container.RegisterCloser("history", history, history.Close)

	assets, err := loadAssets(cfg)
	if err != nil {
		return fmt.Errorf("加载提示模板失败: %w", err)
	}
	container.Register("assets", assets)

	gateway := llm.NewGateway(llm.GatewayOptions{
		Timeout:     cfg.LLMTimeout,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	})
	container.Register("llm", gateway)

	usage := services.NewUsageService(cfg.DataDir)
	container.RegisterCloser("usage", usage, usage.Close)
	client := services.NewMeteredClient(gateway, usage)

	locks := services.NewLockManager()
	container.RegisterCloser("locks", locks, func() error {
		locks.Stop()
		return nil
	})
	progress := services.NewProgressService()
	container.Register("progress", progress)

	sessions := services.NewSessionService(store, locks, progress)
	container.Register("sessions", sessions)
	container.Register("profiles", services.NewProfileService(sessions, client, assets))
	container.Register("characters", services.NewCharacterService(sessions, client, assets, progress, cfg.CompletionConcurrency))
	container.Register("outlines", services.NewOutlineService(sessions, client, assets, history))
	container.Register("sections", services.NewSectionService(sessions, client, assets))
	container.Register("exports", services.NewExportService(sessions, cfg.DataDir, cfg.PDFFont))

	logger.Info("服务初始化完成", map[string]interface{}{
		"store":     cfg.StoreBackend,
		"history":   cfg.HistoryDB != "",
		"providers": llm.ListProviders(),
		"services":  container.Names(),
	})
	return nil
}

// Run 启动服务器并等待退出信号
func (a *App) Run() error {
	if a.server == nil {
		return fmt.Errorf("应用尚未初始化")
	}

	errCh := make(chan error, 1)
	go func() {
		utils.GetLogger().Info("服务器启动", map[string]interface{}{"port": a.config.Port})
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	select {
	case err := <-errCh:
		a.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case sig := <-a.stopChan:
		utils.GetLogger().Info("收到退出信号，正在关闭服务器", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		utils.GetLogger().Error("服务器强制关闭", map[string]interface{}{"error": err})
	}
	a.cleanup()
	return nil
}

// cleanup 释放后台任务、存储与追踪器
func (a *App) cleanup() {
	a.cleanupOnce.Do(func() {
		logger := utils.GetLogger()
		if a.cancelBg != nil {
			a.cancelBg()
		}
		if err := di.GetContainer().Close(); err != nil {
			logger.Warn("释放服务失败", map[string]interface{}{"error": err})
		}
		if a.otelShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.otelShutdown(ctx); err != nil {
				logger.Warn("关闭追踪失败", map[string]interface{}{"error": err})
			}
		}
		logger.Info("应用已关闭", nil)
	})
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func (a *App) GetDIContainer() *di.Container {
	return di.GetContainer()
}

// Router 返回已配置的路由
func (a *App) Router() *gin.Engine {
	return a.router
}

// IsDebugMode 是否为调试模式
func (a *App) IsDebugMode() bool {
	return a.config != nil && a.config.DebugMode
}

// initLogger 把日志写入 logDir/app.log
func initLogger(logDir string) error {
	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	return utils.InitLogger(filepath.Join(logDir, "app.log"))
}
