package parser

import (
	"reflect"
	"strings"
	"testing"
)

const fullOutline = `<outline>
  <title>月下审判</title>
  <premise>十三名少女被困在孤岛监狱。</premise>
  <chapter>
    <chapterTitle>空章</chapterTitle>
    <section><sectionTitle>缺摘要</sectionTitle><summary></summary></section>
  </chapter>
  <chapter>
    <chapterTitle>第一章 醒来</chapterTitle>
    <sections>
      <section><sectionTitle>牢房</sectionTitle><summary>艾玛在牢房中醒来。</summary></section>
      <section><sectionTitle>集合</sectionTitle><summary><![CDATA[典狱长宣布<规则>。]]></summary></section>
    </sections>
  </chapter>
  <ending>黎明到来。</ending>
</outline>`

func TestParseOutlineFullChapterFiltering(t *testing.T) {
	o := ParseOutlineFull(fullOutline)
	if o == nil {
		t.Fatal("完整大纲解析失败")
	}
	if len(o.Chapters) != 1 {
		t.Fatalf("无效章节应被丢弃, 剩余 %d 章", len(o.Chapters))
	}
	ch := o.Chapters[0]
	if ch.ChapterTitle != "第一章 醒来" || len(ch.Sections) != 2 {
		t.Errorf("章节内容错误: %+v", ch)
	}
	if ch.Sections[1].Summary != "典狱长宣布<规则>。" {
		t.Errorf("CDATA 摘要错误: %q", ch.Sections[1].Summary)
	}
	if o.Title != "月下审判" || o.Ending != "黎明到来。" {
		t.Errorf("标题或结局错误: %q %q", o.Title, o.Ending)
	}
}

func TestParseOutlineFullRejects(t *testing.T) {
	noPremise := strings.Replace(fullOutline, "<premise>十三名少女被困在孤岛监狱。</premise>", "", 1)
	if ParseOutlineFull(noPremise) != nil {
		t.Error("缺少 premise 应返回 nil")
	}
	onlyBeats := "<outline><premise>p</premise><beat>b</beat></outline>"
	if ParseOutlineFull(onlyBeats) != nil {
		t.Error("没有有效章节应返回 nil")
	}
}

func TestParseOutlineFallsBackToMinimal(t *testing.T) {
	text := "<outline><premise>雨夜</premise><beats><beat>相遇</beat><beat>对峙</beat></beats></outline>"
	o := ParseOutline(text)
	if o == nil || o.Minimal == nil || o.Full != nil {
		t.Fatalf("应解析为精简大纲: %+v", o)
	}
	if !reflect.DeepEqual(o.Minimal.Beats, []string{"相遇", "对峙"}) {
		t.Errorf("节拍错误: %v", o.Minimal.Beats)
	}

	full := ParseOutline(fullOutline)
	if full == nil || full.Kind() != "full" {
		t.Error("完整大纲应优先")
	}
}

func TestParseIdempotentAroundProse(t *testing.T) {
	block := "<story><title>第一节</title><content>她推开了门。</content></story>"
	base := ParseFinalStory(block)
	if base == nil {
		t.Fatal("正文解析失败")
	}
	variants := []string{
		"\n\n  " + block + "  \n",
		"好的，这是你要的内容：\n" + block + "\n以上。",
		"```xml\n" + block + "\n```",
	}
	for _, v := range variants {
		got := ParseFinalStory(v)
		if got == nil || *got != *base {
			t.Errorf("输入 %q 结果不一致: %+v", v, got)
		}
	}

	o1 := ParseOutline(fullOutline)
	o2 := ParseOutline("以下是大纲\n" + fullOutline + "\n完")
	if !reflect.DeepEqual(o1, o2) {
		t.Error("大纲解析不应受周围文本影响")
	}
}

func TestParseNullSafety(t *testing.T) {
	garbage := []string{"", "   ", "plain prose without tags", "<<<>>>", "<outline>", "]]><![CDATA[", "<story><content></content></story>"}
	for _, g := range garbage {
		if ParseCharacterProfile(g) != nil {
			t.Errorf("ParseCharacterProfile(%q) 应为 nil", g)
		}
		if ParseOutlineMinimal(g) != nil {
			t.Errorf("ParseOutlineMinimal(%q) 应为 nil", g)
		}
		if ParseOutlineFull(g) != nil {
			t.Errorf("ParseOutlineFull(%q) 应为 nil", g)
		}
		if ParseOutline(g) != nil {
			t.Errorf("ParseOutline(%q) 应为 nil", g)
		}
		if ParseFinalStory(g) != nil {
			t.Errorf("ParseFinalStory(%q) 应为 nil", g)
		}
		if ParseCharacterCompletion(g) != nil {
			t.Errorf("ParseCharacterCompletion(%q) 应为 nil", g)
		}
	}
}

func TestParseFinalStoryTitleDefault(t *testing.T) {
	s := ParseFinalStory("<content>只有正文</content>")
	if s == nil || s.Title != "" || s.Content != "只有正文" {
		t.Errorf("缺少根节点与标题时应仍可解析: %+v", s)
	}
}

func TestParseCharacterProfile(t *testing.T) {
	p := ParseCharacterProfile("<profile><appearance>银发</appearance><preferences>红茶</preferences></profile>")
	if p == nil || p.Appearance != "银发" || p.Preferences != "红茶" {
		t.Errorf("档案解析错误: %+v", p)
	}
	if ParseCharacterProfile("<profile><appearance>银发</appearance></profile>") != nil {
		t.Error("缺少 preferences 应返回 nil")
	}
}

func TestParseCharacterCompletion(t *testing.T) {
	text := `<character>
<name>艾玛</name><age>15</age><appearanceClothes>粉色短发，校服</appearanceClothes>
<tragicStory>被朋友背叛</tragicStory><personality>开朗</personality><originalSin>嫉妒</originalSin>
</character>`
	c := ParseCharacterCompletion(text)
	if c == nil {
		t.Fatal("人物补全解析失败")
	}
	if c.MagicPre != "" || c.MagicPost != "" {
		t.Error("缺失的魔法字段应默认为空串")
	}
	if c.Name != "艾玛" || c.OriginalSin != "嫉妒" {
		t.Errorf("字段错误: %+v", c)
	}

	missing := strings.Replace(text, "<personality>开朗</personality>", "", 1)
	if ParseCharacterCompletion(missing) != nil {
		t.Error("缺少必填字段应返回 nil")
	}
}
