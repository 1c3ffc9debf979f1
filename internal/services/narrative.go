// internal/services/narrative.go
package services

import (
	"context"
	"fmt"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/prompt"
)

// RequiredRoles 阶段一需要的用户角色数量
const RequiredRoles = 12

// 阶段事件类型
const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventRoleCompleted  = "role_completed"
)

// LLMClient 补全调用，由 llm.Gateway 实现
type LLMClient interface {
	Complete(ctx context.Context, creds llm.Credentials, req llm.CompletionRequest) llm.CompletionResult
}

// Assets 提示模板与参考资料
type Assets struct {
	Templates *prompt.Templates
	Reference string
}

// deriveStage 根据已有产物推导阶段，阶段本身不决定任何前置条件
func deriveStage(s *models.Session) models.Stage {
	if s.Outline != nil {
		keys := FlattenKeys(s.Outline)
		generated := 0
		for _, k := range keys {
			if _, ok := s.Story(k); ok {
				generated++
			}
		}
		switch {
		case len(keys) > 0 && generated == len(keys):
			return models.StageComplete
		case generated > 0:
			return models.StageSectionsInProgress
		}
		return models.StageOutlineDone
	}
	if s.HasCharacterSource() {
		return models.StageProfileDone
	}
	return models.StageIdle
}

// completionError 把失败的补全结果转换为应用错误
func completionError(res llm.CompletionResult) *apperrors.AppError {
	if res.TimedOut {
		err := apperrors.NewTimeoutError("模型调用超时", nil)
		err.RawText = res.RawBody
		return err
	}
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("模型调用失败 (HTTP %d)", res.StatusCode)
	}
	return apperrors.NewUpstreamError(msg, res.StatusCode, res.RawBody)
}

// charactersBlock 优先使用人物 XML，没有时退回精简档案块
func charactersBlock(s *models.Session) string {
	if len(s.Characters) > 0 {
		return prompt.CharactersXML(s.Characters)
	}
	return s.ProfileBlock
}
