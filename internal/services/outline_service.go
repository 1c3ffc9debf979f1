// internal/services/outline_service.go
package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/storage"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// OutlineRequest 阶段二请求
type OutlineRequest struct {
	SessionID       string `json:"sessionId"`
	ProtagonistName string `json:"protagonistName"`
	PromptOverride  string `json:"promptOverride,omitempty"`
}

// OutlineResult 阶段二结果
type OutlineResult struct {
	SessionID  string               `json:"sessionId"`
	Prompt     string               `json:"prompt"`
	RawText    string               `json:"rawText"`
	ParseOK    bool                 `json:"parseOk"`
	Kind       string               `json:"kind,omitempty"`
	Outline    *models.StoryOutline `json:"outline,omitempty"`
	OutlineXML string               `json:"outlineXml,omitempty"`
	HistoryID  string               `json:"historyId,omitempty"`
}

// OutlineService 生成故事大纲并维护大纲历史
type OutlineService struct {
	sessions *SessionService
	llm      LLMClient
	assets   Assets
	history  storage.HistoryStore
	metrics  *utils.APIMetrics
	logger   *utils.Logger
}

// NewOutlineService 创建大纲服务
func NewOutlineService(sessions *SessionService, client LLMClient, assets Assets, history storage.HistoryStore) *OutlineService {
	return &OutlineService{
		sessions: sessions,
		llm:      client,
		assets:   assets,
		history:  history,
		metrics:  utils.NewAPIMetrics(),
		logger:   utils.GetLogger(),
	}
}

// GenerateOutline 执行阶段二；解析失败时不写入任何内容
func (s *OutlineService) GenerateOutline(ctx context.Context, creds llm.Credentials, req OutlineRequest) (*OutlineResult, error) {
	protagonist := strings.TrimSpace(req.ProtagonistName)
	override := strings.TrimSpace(req.PromptOverride)
	if protagonist == "" && override == "" {
		return nil, apperrors.NewFieldValidationError("缺少主角名字", map[string]string{"protagonistName": "必填"})
	}

	result := &OutlineResult{SessionID: req.SessionID}
	replied := false
	var block string
	err := s.sessions.runStage(ctx, req.SessionID, stageRun{
		Running: models.StageOutlineRunning,
		Check: func(sess *models.Session) error {
			if !sess.HasCharacterSource() {
				return apperrors.NewSequencingError("请先生成人物设定")
			}
			if sess.HasStories() {
				return apperrors.NewSequencingError("已开始生成正文，不能再重新生成大纲")
			}
			return nil
		},
		Work: func(ctx context.Context, sess *models.Session) error {
			block = charactersBlock(sess)
			if override != "" {
				result.Prompt = override
			} else {
				result.Prompt = prompt.ComposeOutlinePrompt(prompt.OutlineInput{
					Reference:       s.assets.Reference,
					CharactersBlock: block,
					Template:        s.assets.Templates.Outline,
					Protagonist:     protagonist,
				})
			}

			res := s.llm.Complete(ctx, creds, llm.CompletionRequest{Prompt: result.Prompt})
			if !res.OK {
				return completionError(res)
			}
			replied = true
			result.RawText = res.Text

			outline := parser.ParseOutline(res.Text)
			s.metrics.RecordParse(parser.RootOutline, outline != nil)
			if outline == nil {
				return apperrors.NewParseError("无法解析故事大纲", res.Text)
			}

			xml := parser.RootBlock(res.Text, parser.RootOutline)
			if xml == "" {
				xml = prompt.OutlineXML(outline)
			}
			sess.Outline = outline
			sess.OutlineXML = xml
			if protagonist != "" {
				sess.ProtagonistName = protagonist
			}
			result.ParseOK = true
			result.Kind = outline.Kind()
			result.Outline = outline
			result.OutlineXML = xml
			return nil
		},
		AfterCommit: func(ctx context.Context, sess *models.Session) error {
			if err := s.sessions.store.Put(ctx, outlineKey(sess.ID), []byte(sess.OutlineXML)); err != nil {
				return apperrors.WrapError(err, "保存大纲失败", apperrors.ErrorTypeError)
			}
			entry := models.OutlineHistoryEntry{
				ID:              uuid.New().String(),
				SessionID:       sess.ID,
				ProtagonistName: protagonist,
				CreatedAt:       time.Now(),
				OutlineXML:      sess.OutlineXML,
				CharactersXML:   block,
				Title:           sess.Outline.Title(),
				Full:            sess.Outline.Full,
				Minimal:         sess.Outline.Minimal,
			}
			// 历史记录失败不影响本次大纲
			if err := s.history.Append(ctx, entry); err != nil {
				return apperrors.WrapError(err, "追加大纲历史失败", apperrors.ErrorTypeError)
			}
			result.HistoryID = entry.ID
			return nil
		},
	})
	if err != nil {
		if replied {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// History 大纲历史，最新的在前
func (s *OutlineService) History(ctx context.Context) ([]models.OutlineHistoryEntry, error) {
	entries, err := s.history.List(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, "读取大纲历史失败", apperrors.ErrorTypeError)
	}
	return entries, nil
}

// ClearHistory 清空全部大纲历史
func (s *OutlineService) ClearHistory(ctx context.Context) error {
	if err := s.history.Clear(ctx); err != nil {
		return apperrors.WrapError(err, "清空大纲历史失败", apperrors.ErrorTypeError)
	}
	s.logger.Info("大纲历史已清空", nil)
	return nil
}
