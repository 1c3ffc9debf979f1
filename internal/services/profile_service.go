// internal/services/profile_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// ProfileRequest 精简档案请求
type ProfileRequest struct {
	SessionID   string          `json:"sessionId"`
	Items       []models.QAItem `json:"items"`
	Instruction string          `json:"instruction,omitempty"`
}

// ProfileResult 精简档案结果
type ProfileResult struct {
	SessionID    string                   `json:"sessionId"`
	Prompt       prompt.FinalPrompt       `json:"prompt"`
	RawText      string                   `json:"rawText"`
	ParseOK      bool                     `json:"parseOk"`
	Profile      *models.CharacterProfile `json:"profile,omitempty"`
	ProfileBlock string                   `json:"profileBlock,omitempty"`
}

// ProfileService 单份问卷生成精简人物档案
type ProfileService struct {
	sessions *SessionService
	llm      LLMClient
	assets   Assets
	metrics  *utils.APIMetrics
}

// NewProfileService 创建档案服务
func NewProfileService(sessions *SessionService, client LLMClient, assets Assets) *ProfileService {
	return &ProfileService{
		sessions: sessions,
		llm:      client,
		assets:   assets,
		metrics:  utils.NewAPIMetrics(),
	}
}

// GenerateProfile 问答 → 提示 → 模型 → <profile> 解析 → 写入会话
func (s *ProfileService) GenerateProfile(ctx context.Context, creds llm.Credentials, req ProfileRequest) (*ProfileResult, error) {
	if len(req.Items) == 0 {
		return nil, apperrors.NewFieldValidationError("问卷不能为空", map[string]string{"items": "至少一项"})
	}
	details := make(map[string]string)
	for i, it := range req.Items {
		if strings.TrimSpace(it.Question) == "" {
			details[fmt.Sprintf("items[%d].question", i)] = "必填"
		}
	}
	if len(details) > 0 {
		return nil, apperrors.NewFieldValidationError("问卷问题不能为空", details)
	}

	result := &ProfileResult{
		SessionID: req.SessionID,
		Prompt:    prompt.BuildFinalPrompt(s.assets.Templates, req.Items, req.Instruction),
	}
	replied := false
	err := s.sessions.runStage(ctx, req.SessionID, stageRun{
		Running: models.StageProfileRunning,
		Check: func(sess *models.Session) error {
			if sess.Outline != nil {
				return apperrors.NewSequencingError("大纲已生成，不能再修改人物档案")
			}
			return nil
		},
		Work: func(ctx context.Context, sess *models.Session) error {
			res := s.llm.Complete(ctx, creds, llm.CompletionRequest{Prompt: result.Prompt.FinalPrompt})
			if !res.OK {
				return completionError(res)
			}
			replied = true
			result.RawText = res.Text

			profile := parser.ParseCharacterProfile(res.Text)
			s.metrics.RecordParse(parser.RootProfile, profile != nil)
			if profile == nil {
				return apperrors.NewParseError("无法解析人物档案", res.Text)
			}
			result.ParseOK = true
			result.Profile = profile
			result.ProfileBlock = prompt.ComposeCharacterBlock(*profile)

			sess.Profile = profile
			sess.ProfileBlock = result.ProfileBlock
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
