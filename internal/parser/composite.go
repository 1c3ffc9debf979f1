// internal/parser/composite.go
package parser

import (
	"github.com/Lianues/manosaba-ai/internal/models"
)

// 各结构的根标签
const (
	RootProfile   = "profile"
	RootOutline   = "outline"
	RootStory     = "story"
	RootCharacter = "character"
)

// FinalStory 单节正文解析结果
type FinalStory struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ParseCharacterProfile 需要 appearance 与 preferences
func ParseCharacterProfile(text string) (out *models.CharacterProfile) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	scope := NarrowToRoot(text, RootProfile)
	p := models.CharacterProfile{
		Appearance:  field(scope, "appearance"),
		Preferences: field(scope, "preferences"),
	}
	if p.Appearance == "" || p.Preferences == "" {
		return nil
	}
	return &p
}

// ParseOutlineMinimal 需要 premise 与至少一个 beat
func ParseOutlineMinimal(text string) (out *models.OutlineMinimal) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	scope := NarrowToRoot(text, RootOutline)
	premise := field(scope, "premise")
	if premise == "" {
		return nil
	}
	var beats []string
	for _, b := range ExtractFieldList(scope, "beat") {
		if b != "" {
			beats = append(beats, b)
		}
	}
	if len(beats) == 0 {
		return nil
	}
	return &models.OutlineMinimal{Premise: premise, Beats: beats}
}

// ParseOutlineFull 需要 premise 与至少一个有效章节；无效章节静默丢弃
func ParseOutlineFull(text string) (out *models.OutlineFull) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	scope := NarrowToRoot(text, RootOutline)
	premise := field(scope, "premise")
	if premise == "" {
		return nil
	}

	var chapters []models.Chapter
	for _, block := range extractRawList(scope, "chapter") {
		title := field(block, "chapterTitle")
		if title == "" {
			continue
		}
		var sections []models.Section
		for _, sb := range extractRawList(block, "section") {
			s := models.Section{
				SectionTitle: field(sb, "sectionTitle"),
				Summary:      field(sb, "summary"),
			}
			if s.SectionTitle != "" && s.Summary != "" {
				sections = append(sections, s)
			}
		}
		if len(sections) == 0 {
			continue
		}
		chapters = append(chapters, models.Chapter{ChapterTitle: title, Sections: sections})
	}
	if len(chapters) == 0 {
		return nil
	}

	return &models.OutlineFull{
		Title:    titleOutsideChapters(scope),
		Premise:  premise,
		Chapters: chapters,
		Ending:   field(scope, "ending"),
	}
}

// titleOutsideChapters 只取章节之外的 <title>
func titleOutsideChapters(scope string) string {
	stripped := tagPattern("chapter").ReplaceAllString(scope, "")
	return field(stripped, "title")
}

// ParseOutline 先尝试完整大纲，失败再尝试精简大纲
func ParseOutline(text string) *models.StoryOutline {
	if full := ParseOutlineFull(text); full != nil {
		return &models.StoryOutline{Full: full}
	}
	if minimal := ParseOutlineMinimal(text); minimal != nil {
		return &models.StoryOutline{Minimal: minimal}
	}
	return nil
}

// ParseFinalStory 需要 content，title 缺省为空串
func ParseFinalStory(text string) (out *FinalStory) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	scope := NarrowToRoot(text, RootStory)
	content := field(scope, "content")
	if content == "" {
		return nil
	}
	return &FinalStory{Title: field(scope, "title"), Content: content}
}

// ParseCharacterCompletion 除 magicPre/magicPost 外字段均必填
func ParseCharacterCompletion(text string) (out *models.CharacterCompletion) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	scope := NarrowToRoot(text, RootCharacter)
	c := models.CharacterCompletion{
		Name:              field(scope, "name"),
		Age:               field(scope, "age"),
		AppearanceClothes: field(scope, "appearanceClothes"),
		MagicPre:          field(scope, "magicPre"),
		MagicPost:         field(scope, "magicPost"),
		TragicStory:       field(scope, "tragicStory"),
		Personality:       field(scope, "personality"),
		OriginalSin:       field(scope, "originalSin"),
	}
	if c.Name == "" || c.Age == "" || c.AppearanceClothes == "" ||
		c.TragicStory == "" || c.Personality == "" || c.OriginalSin == "" {
		return nil
	}
	return &c
}
