// internal/models/session.go
package models

import "time"

// Stage 会话所处的生成阶段
type Stage string

const (
	StageIdle               Stage = "idle"
	StageProfileRunning     Stage = "profile_running"
	StageProfileDone        Stage = "profile_done"
	StageOutlineRunning     Stage = "outline_running"
	StageOutlineDone        Stage = "outline_done"
	StageSectionsInProgress Stage = "sections_in_progress"
	StageComplete           Stage = "complete"
	StageError              Stage = "error"
)

// Session 一次叙事生成会话
type Session struct {
	ID              string    `json:"id"`
	ProtagonistName string    `json:"protagonistName,omitempty"`
	Stage           Stage     `json:"stage"`
	FailedStage     Stage     `json:"failedStage,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	// 阶段一产物
	Profile      *CharacterProfile `json:"profile,omitempty"`
	ProfileBlock string            `json:"profileBlock,omitempty"`
	Characters   []CharacterRecord `json:"characters,omitempty"`

	// 阶段二产物
	Outline    *StoryOutline `json:"outline,omitempty"`
	OutlineXML string        `json:"outlineXml,omitempty"`

	// 阶段三产物，键为 SectionKey.String()
	Stories map[string]SectionStory `json:"stories,omitempty"`
}

// NewSession 创建空会话
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Stage:     StageIdle,
		CreatedAt: now,
		UpdatedAt: now,
		Stories:   make(map[string]SectionStory),
	}
}

// Story 返回指定小节的正文
func (s *Session) Story(key SectionKey) (SectionStory, bool) {
	if s.Stories == nil {
		return SectionStory{}, false
	}
	st, ok := s.Stories[key.String()]
	if !ok || st.Content == "" {
		return SectionStory{}, false
	}
	return st, true
}

// HasStories 是否已有任意小节正文
func (s *Session) HasStories() bool {
	for _, st := range s.Stories {
		if st.Content != "" {
			return true
		}
	}
	return false
}

// HasCharacterSource 是否已有可用于大纲的人物来源
func (s *Session) HasCharacterSource() bool {
	return len(s.Characters) > 0 || s.ProfileBlock != ""
}

// StageEvent 推送给订阅者的阶段事件
type StageEvent struct {
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"` // stage_started, stage_completed, stage_failed, role_completed
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
