// internal/services/section_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// 小节生成模式
const (
	SectionCreate   = "create"
	SectionRecreate = "recreate"
)

// FlattenKeys 按章、节顺序展开所有小节键；精简大纲每个节拍一个键
func FlattenKeys(outline *models.StoryOutline) []models.SectionKey {
	var keys []models.SectionKey
	switch {
	case outline == nil:
	case outline.Full != nil:
		for c, ch := range outline.Full.Chapters {
			for s := range ch.Sections {
				keys = append(keys, models.SectionKey{Chapter: c, Section: s})
			}
		}
	case outline.Minimal != nil:
		for s := range outline.Minimal.Beats {
			keys = append(keys, models.SectionKey{Chapter: 0, Section: s})
		}
	}
	return keys
}

func generated(stories map[string]models.SectionStory, key models.SectionKey) bool {
	st, ok := stories[key.String()]
	return ok && st.Content != ""
}

// AllowCreate 第一个小节或前一小节已生成，且本节尚未生成
func AllowCreate(keys []models.SectionKey, stories map[string]models.SectionStory, i int) bool {
	if i < 0 || i >= len(keys) {
		return false
	}
	if generated(stories, keys[i]) {
		return false
	}
	return i == 0 || generated(stories, keys[i-1])
}

// MaxGeneratedOrdinal 已生成小节中的最大序号，没有时为 -1
func MaxGeneratedOrdinal(keys []models.SectionKey, stories map[string]models.SectionStory) int {
	maxIdx := -1
	for i, k := range keys {
		if generated(stories, k) {
			maxIdx = i
		}
	}
	return maxIdx
}

// AllowRecreate 只有最近生成的小节可以重新生成
func AllowRecreate(keys []models.SectionKey, stories map[string]models.SectionStory, i int) bool {
	return i >= 0 && i < len(keys) && i == MaxGeneratedOrdinal(keys, stories)
}

func indexOf(keys []models.SectionKey, key models.SectionKey) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// sectionTitle 完整大纲取小节标题，精简大纲取节拍内容
func sectionTitle(outline *models.StoryOutline, key models.SectionKey) string {
	if outline.Full != nil {
		return outline.Full.Chapters[key.Chapter].Sections[key.Section].SectionTitle
	}
	return outline.Minimal.Beats[key.Section]
}

// SectionRequest 阶段三请求
type SectionRequest struct {
	SessionID      string `json:"sessionId"`
	Mode           string `json:"mode"`
	Chapter        int    `json:"chapter"`
	Section        int    `json:"section"`
	PromptOverride string `json:"promptOverride,omitempty"`
}

// SectionResult 阶段三结果
type SectionResult struct {
	SessionID string               `json:"sessionId"`
	Key       models.SectionKey    `json:"key"`
	Mode      string               `json:"mode"`
	Prompt    string               `json:"prompt"`
	RawText   string               `json:"rawText"`
	ParseOK   bool                 `json:"parseOk"`
	Story     *models.SectionStory `json:"story,omitempty"`
}

// StoryEntry 小节列表中的一项
type StoryEntry struct {
	Key           models.SectionKey    `json:"key"`
	Title         string               `json:"title"`
	Generated     bool                 `json:"generated"`
	AllowCreate   bool                 `json:"allowCreate"`
	AllowRecreate bool                 `json:"allowRecreate"`
	Story         *models.SectionStory `json:"story,omitempty"`
}

// StoriesView 会话全部小节及其操作许可
type StoriesView struct {
	SessionID string       `json:"sessionId"`
	Kind      string       `json:"kind"`
	Stage     models.Stage `json:"stage"`
	Entries   []StoryEntry `json:"entries"`
}

// SectionService 按大纲逐节生成正文
type SectionService struct {
	sessions *SessionService
	llm      LLMClient
	assets   Assets
	metrics  *utils.APIMetrics
}

// NewSectionService 创建小节服务
func NewSectionService(sessions *SessionService, client LLMClient, assets Assets) *SectionService {
	return &SectionService{
		sessions: sessions,
		llm:      client,
		assets:   assets,
		metrics:  utils.NewAPIMetrics(),
	}
}

// Generate 创建或重新生成一个小节；顺序检查先于任何模型调用
func (s *SectionService) Generate(ctx context.Context, creds llm.Credentials, req SectionRequest) (*SectionResult, error) {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = SectionCreate
	}
	if mode != SectionCreate && mode != SectionRecreate {
		return nil, apperrors.NewFieldValidationError("未知的生成模式: "+req.Mode, map[string]string{"mode": "create 或 recreate"})
	}

	key := models.SectionKey{Chapter: req.Chapter, Section: req.Section}
	result := &SectionResult{SessionID: req.SessionID, Key: key, Mode: mode}
	replied := false
	var keys []models.SectionKey
	idx := -1

	err := s.sessions.runStage(ctx, req.SessionID, stageRun{
		Running: models.StageSectionsInProgress,
		Check: func(sess *models.Session) error {
			if sess.Outline == nil {
				return apperrors.NewSequencingError("请先生成故事大纲")
			}
			keys = FlattenKeys(sess.Outline)
			idx = indexOf(keys, key)
			if idx < 0 {
				return apperrors.NewFieldValidationError(
					fmt.Sprintf("小节不存在: %s", key),
					map[string]string{"section": "超出大纲范围"},
				)
			}
			if mode == SectionCreate && !AllowCreate(keys, sess.Stories, idx) {
				return apperrors.NewSequencingError(fmt.Sprintf("小节 %s 当前不能生成，请按顺序生成", key))
			}
			if mode == SectionRecreate && !AllowRecreate(keys, sess.Stories, idx) {
				return apperrors.NewSequencingError(fmt.Sprintf("只能重新生成最近的小节，%s 不可重新生成", key))
			}
			return nil
		},
		Work: func(ctx context.Context, sess *models.Session) error {
			title := sectionTitle(sess.Outline, key)
			result.Prompt = s.composePrompt(sess, keys, idx, title, req.PromptOverride)

			res := s.llm.Complete(ctx, creds, llm.CompletionRequest{Prompt: result.Prompt})
			if !res.OK {
				return completionError(res)
			}
			replied = true
			result.RawText = res.Text

			final := parser.ParseFinalStory(res.Text)
			s.metrics.RecordParse(parser.RootStory, final != nil)
			if final == nil {
				return apperrors.NewParseError("无法解析小节正文", res.Text)
			}
			storyTitle := final.Title
			if storyTitle == "" {
				storyTitle = title
			}
			story := models.SectionStory{
				ChapterIndex: key.Chapter,
				SectionIndex: key.Section,
				Title:        storyTitle,
				Content:      final.Content,
				Expanded:     true,
				CreatedAt:    time.Now(),
			}
			sess.Stories[key.String()] = story
			result.ParseOK = true
			result.Story = &story
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

func (s *SectionService) composePrompt(sess *models.Session, keys []models.SectionKey, idx int, title, override string) string {
	if o := strings.TrimSpace(override); o != "" {
		return o
	}
	in := prompt.SectionInput{
		Reference:    s.assets.Reference,
		Template:     s.assets.Templates.Section,
		Protagonist:  sess.ProtagonistName,
		SectionTitle: title,
	}
	if sess.Outline.Full != nil {
		in.CharactersBlock = charactersBlock(sess)
		in.OutlineBlock = sess.OutlineXML
		if in.OutlineBlock == "" {
			in.OutlineBlock = prompt.OutlineXML(sess.Outline)
		}
	} else {
		// 精简大纲的附录已包含人物档案
		if len(sess.Characters) > 0 {
			in.CharactersBlock = prompt.CharactersXML(sess.Characters)
		}
		in.OutlineBlock = prompt.ComposeOutlineAppendix(sess.ProfileBlock, *sess.Outline.Minimal)
	}
	if idx > 0 {
		if prev, ok := sess.Story(keys[idx-1]); ok {
			in.PreviousTitle = prev.Title
			in.PreviousContent = prev.Content
		}
	}
	return prompt.ComposeSectionPrompt(in)
}

// Stories 返回所有小节及其可生成状态
func (s *SectionService) Stories(ctx context.Context, sessionID string) (*StoriesView, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	view := &StoriesView{
		SessionID: sess.ID,
		Kind:      sess.Outline.Kind(),
		Stage:     sess.Stage,
		Entries:   []StoryEntry{},
	}
	keys := FlattenKeys(sess.Outline)
	for i, k := range keys {
		entry := StoryEntry{
			Key:           k,
			Title:         sectionTitle(sess.Outline, k),
			AllowCreate:   AllowCreate(keys, sess.Stories, i),
			AllowRecreate: AllowRecreate(keys, sess.Stories, i),
		}
		if st, ok := sess.Story(k); ok {
			entry.Generated = true
			entry.Story = &st
		}
		view.Entries = append(view.Entries, entry)
	}
	return view, nil
}
