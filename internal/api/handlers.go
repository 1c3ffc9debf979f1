// internal/api/handlers.go
package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/services"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	Sessions   *services.SessionService
	Profiles   *services.ProfileService
	Characters *services.CharacterService
	Outlines   *services.OutlineService
	Sections   *services.SectionService
	Exports    *services.ExportService
	Usage      *services.UsageService
	Assets     services.Assets
	WebSockets *WebSocketManager
	Metrics    *utils.APIMetrics

	response *ResponseHelper
}

// NewHandler 创建API处理器
func NewHandler(h Handler) *Handler {
	h.response = NewResponseHelper()
	if h.Metrics == nil {
		h.Metrics = utils.NewAPIMetrics()
	}
	return &h
}

// SaveOutlineRequest 保存大纲请求
type SaveOutlineRequest struct {
	SessionID  string `json:"sessionId"`
	OutlineXML string `json:"outlineXml"`
}

// orNil 避免把带类型的 nil 指针放进响应
func orNil[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return p
}

func (h *Handler) bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.response.BadRequest(c, "请求格式错误", map[string]string{"body": err.Error()})
		return false
	}
	return true
}

// CreateSession 创建会话
func (h *Handler) CreateSession(c *gin.Context) {
	sess, err := h.Sessions.Create(c.Request.Context())
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Created(c, sess, "会话创建成功")
}

// GetSession 获取会话状态与产物
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, sess)
}

// GenerateProfile 单份问卷生成精简人物档案
func (h *Handler) GenerateProfile(c *gin.Context) {
	var req services.ProfileRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.Profiles.GenerateProfile(c.Request.Context(), credentials(c), req)
	if err != nil {
		h.response.HandleAppError(c, err, orNil(res))
		return
	}
	h.response.Success(c, res, "人物档案生成成功")
}

// GenerateCharacters 阶段一：12 个角色的人物设定
func (h *Handler) GenerateCharacters(c *gin.Context) {
	var req services.CharactersRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.Characters.GenerateCharacters(c.Request.Context(), credentials(c), req)
	if err != nil {
		h.response.HandleAppError(c, err, orNil(res))
		return
	}
	h.response.Success(c, res, "人物设定生成成功")
}

// GenerateOutline 阶段二：生成故事大纲
func (h *Handler) GenerateOutline(c *gin.Context) {
	var req services.OutlineRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.Outlines.GenerateOutline(c.Request.Context(), credentials(c), req)
	if err != nil {
		h.response.HandleAppError(c, err, orNil(res))
		return
	}
	h.response.Success(c, res, "大纲生成成功")
}

// GetOutline 返回会话最近保存的大纲 XML
func (h *Handler) GetOutline(c *gin.Context) {
	sessionID := c.Query("sessionId")
	xml, err := h.Sessions.GetOutlineXML(c.Request.Context(), sessionID)
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, gin.H{"sessionId": sessionID, "outlineXml": xml})
}

// SaveOutline 保存大纲 XML
func (h *Handler) SaveOutline(c *gin.Context) {
	var req SaveOutlineRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.OutlineXML) == "" {
		h.response.BadRequest(c, "大纲内容不能为空", map[string]string{"outlineXml": "必填"})
		return
	}
	if err := h.Sessions.SaveOutlineXML(c.Request.Context(), req.SessionID, req.OutlineXML); err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, gin.H{"sessionId": req.SessionID, "saved": true}, "大纲已保存")
}

// GenerateSectionStory 阶段三：创建或重新生成小节正文
func (h *Handler) GenerateSectionStory(c *gin.Context) {
	var req services.SectionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.Sections.Generate(c.Request.Context(), credentials(c), req)
	if err != nil {
		h.response.HandleAppError(c, err, orNil(res))
		return
	}
	h.response.Success(c, res, "小节正文生成成功")
}

// ListSectionStories 列出小节及其可生成状态
func (h *Handler) ListSectionStories(c *gin.Context) {
	view, err := h.Sections.Stories(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, view)
}

// ExportStory 导出故事文档
func (h *Handler) ExportStory(c *gin.Context) {
	result, err := h.Exports.ExportStory(c.Request.Context(), c.Query("sessionId"), c.Query("format"))
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.ExportResponse(c, result)
}

// GetHistory 大纲历史，最新的在前
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.Outlines.History(c.Request.Context())
	if err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, gin.H{"entries": entries, "total": len(entries)})
}

// ClearHistory 清空大纲历史
func (h *Handler) ClearHistory(c *gin.Context) {
	if err := h.Outlines.ClearHistory(c.Request.Context()); err != nil {
		h.response.HandleAppError(c, err, nil)
		return
	}
	h.response.Success(c, gin.H{"cleared": true}, "大纲历史已清空")
}

// GetReferenceDocument 返回世界观参考资料
func (h *Handler) GetReferenceDocument(c *gin.Context) {
	h.response.Success(c, gin.H{"content": h.Assets.Reference})
}

// GetOutlineTemplate 返回大纲模板原文
func (h *Handler) GetOutlineTemplate(c *gin.Context) {
	h.response.Success(c, gin.H{"template": h.Assets.Templates.Outline})
}

// GetSectionTemplate 返回小节模板原文
func (h *Handler) GetSectionTemplate(c *gin.Context) {
	h.response.Success(c, gin.H{"template": h.Assets.Templates.Section})
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	data := gin.H{
		"status":    "ok",
		"providers": llm.ListProviders(),
		"time":      time.Now(),
	}
	if h.WebSockets != nil {
		data["websocket"] = h.WebSockets.GetStatus()
	}
	h.response.Success(c, data)
}

// GetMetrics 进程内计数器与模型用量
func (h *Handler) GetMetrics(c *gin.Context) {
	data := gin.H{"counters": h.Metrics.Collector().GetMetrics()}
	if h.Usage != nil {
		data["llmUsage"] = h.Usage.Stats()
	}
	h.response.Success(c, data)
}
