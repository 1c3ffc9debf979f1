// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Lianues/manosaba-ai/internal/config"
	"github.com/Lianues/manosaba-ai/internal/di"
	"github.com/Lianues/manosaba-ai/internal/services"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// APIPrefix 接口前缀
const APIPrefix = "/api/v1"

// SetupRouter 从依赖注入容器获取服务并配置HTTP路由
func SetupRouter(cfg *config.Config) (*gin.Engine, error) {
	container := di.GetContainer()

	sessions, err := di.Resolve[*services.SessionService](container, "sessions")
	if err != nil {
		return nil, err
	}
	profiles, err := di.Resolve[*services.ProfileService](container, "profiles")
	if err != nil {
		return nil, err
	}
	characters, err := di.Resolve[*services.CharacterService](container, "characters")
	if err != nil {
		return nil, err
	}
	outlines, err := di.Resolve[*services.OutlineService](container, "outlines")
	if err != nil {
		return nil, err
	}
	sections, err := di.Resolve[*services.SectionService](container, "sections")
	if err != nil {
		return nil, err
	}
	exports, err := di.Resolve[*services.ExportService](container, "exports")
	if err != nil {
		return nil, err
	}
	progress, err := di.Resolve[*services.ProgressService](container, "progress")
	if err != nil {
		return nil, err
	}
	usage, err := di.Resolve[*services.UsageService](container, "usage")
	if err != nil {
		return nil, err
	}
	assets, err := di.Resolve[services.Assets](container, "assets")
	if err != nil {
		return nil, fmt.Errorf("提示模板未正确初始化: %w", err)
	}

	ws := NewWebSocketManager(progress, cfg.AllowedOrigins)
	container.RegisterCloser("websocket", ws, func() error {
		ws.Shutdown()
		return nil
	})

	handler := NewHandler(Handler{
		Sessions:   sessions,
		Profiles:   profiles,
		Characters: characters,
		Outlines:   outlines,
		Sections:   sections,
		Exports:    exports,
		Usage:      usage,
		Assets:     assets,
		WebSockets: ws,
	})
	return NewRouter(cfg, handler), nil
}

// corsConfig 允许前端携带凭据请求头
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			HeaderAPIKey, HeaderBaseURL, HeaderModel, HeaderLLMProvider, HeaderRequestID,
		},
		ExposeHeaders: []string{HeaderRequestID, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}

// NewRouter 注册中间件与路由
func NewRouter(cfg *config.Config, handler *Handler) *gin.Engine {
	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(RequestIDMiddleware())
	if cfg.OTelEnabled {
		r.Use(otelgin.Middleware("manosaba-ai"))
	}
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	r.Use(MetricsMiddleware(handler.Metrics))

	r.GET("/health", handler.Health)
	r.GET("/metrics", handler.GetMetrics)

	// WebSocket 支持
	if handler.WebSockets != nil {
		r.GET("/ws/session/:id", handler.WebSockets.SessionWebSocket)
	}

	api := r.Group(APIPrefix)
	api.Use(RateLimitByIP(NewRateLimiter(), cfg.RateLimitPerMin, time.Minute))
	{
		api.POST("/session", handler.CreateSession)
		api.GET("/session/:id", handler.GetSession)
		api.GET("/session/outline", handler.GetOutline)
		api.POST("/session/outline/save", handler.SaveOutline)
		api.GET("/session/section-stories", handler.ListSectionStories)
		api.GET("/session/export", handler.ExportStory)

		api.GET("/history", handler.GetHistory)
		api.DELETE("/history", handler.ClearHistory)

		api.GET("/reference-document", handler.GetReferenceDocument)
		api.GET("/outline-template", handler.GetOutlineTemplate)
		api.GET("/section-template", handler.GetSectionTemplate)
	}

	// 生成类接口需要模型凭据
	generate := api.Group("", RequireCredentials())
	{
		generate.POST("/session/profile", handler.GenerateProfile)
		generate.POST("/session/characters", handler.GenerateCharacters)
		generate.POST("/session/outline", handler.GenerateOutline)
		generate.POST("/session/section-story", handler.GenerateSectionStory)
	}

	utils.GetLogger().Info("路由设置完成", map[string]interface{}{"prefix": APIPrefix})
	return r
}
