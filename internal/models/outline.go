// internal/models/outline.go
package models

import (
	"fmt"
	"time"
)

// OutlineMinimal 精简大纲：前提 + 节拍
type OutlineMinimal struct {
	Premise string   `json:"premise"`
	Beats   []string `json:"beats"`
}

// Section 章节中的一节
type Section struct {
	SectionTitle string `json:"sectionTitle"`
	Summary      string `json:"summary"`
}

// Chapter 大纲中的一章
type Chapter struct {
	ChapterTitle string    `json:"chapterTitle"`
	Sections     []Section `json:"sections"`
}

// OutlineFull 完整大纲
type OutlineFull struct {
	Title    string    `json:"title"`
	Premise  string    `json:"premise"`
	Chapters []Chapter `json:"chapters"`
	Ending   string    `json:"ending,omitempty"`
}

// StoryOutline 两种大纲形态，恰好设置其一
type StoryOutline struct {
	Full    *OutlineFull    `json:"full,omitempty"`
	Minimal *OutlineMinimal `json:"minimal,omitempty"`
}

// Kind 返回 "full" 或 "minimal"
func (o *StoryOutline) Kind() string {
	if o == nil {
		return ""
	}
	if o.Full != nil {
		return "full"
	}
	if o.Minimal != nil {
		return "minimal"
	}
	return ""
}

// Title 返回大纲标题，精简大纲没有标题
func (o *StoryOutline) Title() string {
	if o != nil && o.Full != nil {
		return o.Full.Title
	}
	return ""
}

// Premise 返回故事前提
func (o *StoryOutline) Premise() string {
	switch {
	case o == nil:
		return ""
	case o.Full != nil:
		return o.Full.Premise
	case o.Minimal != nil:
		return o.Minimal.Premise
	}
	return ""
}

// SectionKey 小节定位键。精简大纲中 Chapter 恒为 0，Section 为节拍序号
type SectionKey struct {
	Chapter int `json:"chapter"`
	Section int `json:"section"`
}

// String 作为存储映射的键
func (k SectionKey) String() string {
	return fmt.Sprintf("%d-%d", k.Chapter, k.Section)
}

// SectionStory 单节正文
type SectionStory struct {
	ChapterIndex int       `json:"chapterIndex"`
	SectionIndex int       `json:"sectionIndex"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Expanded     bool      `json:"expanded"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Key 返回小节键
func (s SectionStory) Key() SectionKey {
	return SectionKey{Chapter: s.ChapterIndex, Section: s.SectionIndex}
}

// OutlineHistoryEntry 大纲历史记录，只追加
type OutlineHistoryEntry struct {
	ID              string          `json:"id" db:"id"`
	SessionID       string          `json:"sessionId" db:"session_id"`
	ProtagonistName string          `json:"protagonistName" db:"protagonist_name"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	OutlineXML      string          `json:"outlineXml" db:"outline_xml"`
	CharactersXML   string          `json:"charactersXml,omitempty" db:"characters_xml"`
	Title           string          `json:"title,omitempty" db:"title"`
	Full            *OutlineFull    `json:"full,omitempty" db:"-"`
	Minimal         *OutlineMinimal `json:"minimal,omitempty" db:"-"`
}
