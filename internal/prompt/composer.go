// Package prompt renders questionnaires, artifacts and templates into prompt text.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Lianues/manosaba-ai/internal/models"
)

// 占位符
const (
	PlaceholderX               = "{x}"
	PlaceholderInstruction     = "{instruction}"
	PlaceholderMainCharacter   = "mainCharacter"
	PlaceholderSectionTitle    = "sectionTitle"
	profileAppearanceLabel     = "人物外貌："
	profilePreferencesLabel    = "人物喜好："
	previousSectionLabelFormat = "【上一节正文：%s】"
)

// Vars 模板变量
type Vars struct {
	X           string
	Instruction *string
}

// FinalPrompt 问答提示构建结果
type FinalPrompt struct {
	PromptOnly   string `json:"promptOnly"`
	FinalPrompt  string `json:"finalPrompt"`
	TemplateName string `json:"templateName"`
}

// FormatQA 渲染为 Q{i}/A{i} 行，保持输入顺序
func FormatQA(items []models.QAItem) string {
	lines := make([]string, 0, len(items))
	for i, it := range items {
		lines = append(lines, fmt.Sprintf("Q%d: %s\nA%d: %s", i+1, it.Question, i+1, it.Answer))
	}
	return strings.Join(lines, "\n")
}

// Render 字面替换 {x}，提供 Instruction 时同时替换 {instruction}
func Render(template string, vars Vars) string {
	out := strings.ReplaceAll(template, PlaceholderX, vars.X)
	if vars.Instruction != nil {
		out = strings.ReplaceAll(out, PlaceholderInstruction, *vars.Instruction)
	}
	return out
}

// BuildFinalPrompt 有非空指令时选择 withInstruction 模板，否则选择 base
func BuildFinalPrompt(t *Templates, items []models.QAItem, instruction string) FinalPrompt {
	promptOnly := FormatQA(items)
	vars := Vars{X: promptOnly}
	name := TemplateBase
	if trimmed := strings.TrimSpace(instruction); trimmed != "" {
		name = TemplateWithInstruction
		vars.Instruction = &trimmed
	}
	return FinalPrompt{
		PromptOnly:   promptOnly,
		FinalPrompt:  Render(t.Named(name), vars),
		TemplateName: name,
	}
}

// ComposeCharacterBlock 固定的外貌/喜好两段式
func ComposeCharacterBlock(profile models.CharacterProfile) string {
	return profileAppearanceLabel + profile.Appearance + "\n\n" + profilePreferencesLabel + profile.Preferences
}

// ComposeOutlineAppendix 在人物块之后追加前提与编号节拍
func ComposeOutlineAppendix(profileBlock string, outline models.OutlineMinimal) string {
	var b strings.Builder
	b.WriteString(profileBlock)
	if profileBlock != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("故事前提：")
	b.WriteString(outline.Premise)
	b.WriteString("\n情节节拍：")
	for i, beat := range outline.Beats {
		fmt.Fprintf(&b, "\n%d. %s", i+1, beat)
	}
	return b.String()
}

// SubstitutePlaceholders 一次性替换 {{name}} 形式的占位符，替换进来的值不会再被展开
func SubstitutePlaceholders(template string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", values[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// cdata 包裹值，值内的 ]]> 拆分到相邻段
func cdata(v string) string {
	return "<![CDATA[" + strings.ReplaceAll(v, "]]>", "]]]]><![CDATA[>") + "]]>"
}

// CharactersXML 以固定字段名序列化人物记录
func CharactersXML(records []models.CharacterRecord) string {
	var b strings.Builder
	b.WriteString("<characters>\n")
	for _, r := range records {
		b.WriteString("  <character>\n")
		writeCDATAField(&b, "name", r.Name)
		writeCDATAField(&b, "age", r.Age)
		writeCDATAField(&b, "appearanceClothes", r.AppearanceClothes)
		writeCDATAField(&b, "magicPre", r.MagicPre)
		writeCDATAField(&b, "magicPost", r.MagicPost)
		writeCDATAField(&b, "tragicStory", r.TragicStory)
		writeCDATAField(&b, "personality", r.Personality)
		writeCDATAField(&b, "originalSin", r.OriginalSin)
		b.WriteString("  </character>\n")
	}
	b.WriteString("</characters>")
	return b.String()
}

func writeCDATAField(b *strings.Builder, tag, value string) {
	fmt.Fprintf(b, "    <%s>%s</%s>\n", tag, cdata(value), tag)
}

// OutlineXML 生成大纲的规范 XML
func OutlineXML(o *models.StoryOutline) string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("<outline>\n")
	switch {
	case o.Full != nil:
		f := o.Full
		if f.Title != "" {
			fmt.Fprintf(&b, "  <title>%s</title>\n", cdata(f.Title))
		}
		fmt.Fprintf(&b, "  <premise>%s</premise>\n", cdata(f.Premise))
		for _, ch := range f.Chapters {
			b.WriteString("  <chapter>\n")
			fmt.Fprintf(&b, "    <chapterTitle>%s</chapterTitle>\n", cdata(ch.ChapterTitle))
			for _, s := range ch.Sections {
				b.WriteString("    <section>\n")
				fmt.Fprintf(&b, "      <sectionTitle>%s</sectionTitle>\n", cdata(s.SectionTitle))
				fmt.Fprintf(&b, "      <summary>%s</summary>\n", cdata(s.Summary))
				b.WriteString("    </section>\n")
			}
			b.WriteString("  </chapter>\n")
		}
		if f.Ending != "" {
			fmt.Fprintf(&b, "  <ending>%s</ending>\n", cdata(f.Ending))
		}
	case o.Minimal != nil:
		fmt.Fprintf(&b, "  <premise>%s</premise>\n", cdata(o.Minimal.Premise))
		b.WriteString("  <beats>\n")
		for _, beat := range o.Minimal.Beats {
			fmt.Fprintf(&b, "    <beat>%s</beat>\n", cdata(beat))
		}
		b.WriteString("  </beats>\n")
	}
	b.WriteString("</outline>")
	return b.String()
}

// OutlineInput 大纲提示的组成部分
type OutlineInput struct {
	Reference       string
	CharactersBlock string // 人物 XML 或精简档案块
	Template        string
	Protagonist     string
}

// ComposeOutlinePrompt 参考资料 + 人物 + 大纲指令
func ComposeOutlinePrompt(in OutlineInput) string {
	instruction := SubstitutePlaceholders(in.Template, map[string]string{
		PlaceholderMainCharacter: in.Protagonist,
	})
	return joinBlocks(in.Reference, in.CharactersBlock, instruction)
}

// SectionInput 小节正文提示的组成部分
type SectionInput struct {
	Reference       string
	CharactersBlock string
	OutlineBlock    string // 完整大纲 XML 或精简大纲附录
	PreviousTitle   string
	PreviousContent string
	Template        string
	Protagonist     string
	SectionTitle    string
}

// ComposeSectionPrompt 参考资料 + 人物 + 大纲 + 上一节正文 + 小节指令
func ComposeSectionPrompt(in SectionInput) string {
	var previous string
	if in.PreviousContent != "" {
		previous = fmt.Sprintf(previousSectionLabelFormat, in.PreviousTitle) + "\n" + in.PreviousContent
	}
	instruction := SubstitutePlaceholders(in.Template, map[string]string{
		PlaceholderMainCharacter: in.Protagonist,
		PlaceholderSectionTitle:  in.SectionTitle,
	})
	return joinBlocks(in.Reference, in.CharactersBlock, in.OutlineBlock, previous, instruction)
}

func joinBlocks(blocks ...string) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if s := strings.TrimSpace(b); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
