package services

import (
	"context"
	"reflect"
	"strings"
	"testing"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
)

func withOutline(t *testing.T, env *testEnv) *models.Session {
	t.Helper()
	sess := withCharacters(t, env)
	if _, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{
		SessionID:       sess.ID,
		ProtagonistName: "Alice",
	}); err != nil {
		t.Fatalf("生成大纲失败: %v", err)
	}
	return sess
}

func TestFlattenKeys(t *testing.T) {
	full := parser.ParseOutline(fullOutlineReply)
	want := []models.SectionKey{{Chapter: 0, Section: 0}, {Chapter: 0, Section: 1}, {Chapter: 1, Section: 0}}
	if got := FlattenKeys(full); !reflect.DeepEqual(got, want) {
		t.Errorf("完整大纲展开错误: %v", got)
	}

	minimal := parser.ParseOutline(minimalOutlineReply)
	want = []models.SectionKey{{Chapter: 0, Section: 0}, {Chapter: 0, Section: 1}}
	if got := FlattenKeys(minimal); !reflect.DeepEqual(got, want) {
		t.Errorf("精简大纲展开错误: %v", got)
	}

	if got := FlattenKeys(nil); len(got) != 0 {
		t.Errorf("空大纲应返回空键列表")
	}
}

func TestAllowCreateAndRecreate(t *testing.T) {
	keys := []models.SectionKey{{Chapter: 0, Section: 0}, {Chapter: 0, Section: 1}, {Chapter: 1, Section: 0}}
	stories := map[string]models.SectionStory{}

	if !AllowCreate(keys, stories, 0) || AllowCreate(keys, stories, 1) {
		t.Error("初始时只允许生成第一个小节")
	}
	if AllowRecreate(keys, stories, 0) {
		t.Error("没有正文时不允许重新生成")
	}

	stories["0-0"] = models.SectionStory{Content: "一"}
	stories["0-1"] = models.SectionStory{Content: "二"}
	if AllowCreate(keys, stories, 1) {
		t.Error("已生成的小节不允许再次创建")
	}
	if !AllowCreate(keys, stories, 2) {
		t.Error("前一节已生成时应允许创建")
	}
	if MaxGeneratedOrdinal(keys, stories) != 1 {
		t.Errorf("最大序号应为 1")
	}
	if AllowRecreate(keys, stories, 0) || !AllowRecreate(keys, stories, 1) {
		t.Error("只允许重新生成最近的小节")
	}

	stories["1-0"] = models.SectionStory{Content: ""}
	if !AllowCreate(keys, stories, 2) {
		t.Error("空正文视为未生成")
	}
	if AllowCreate(keys, stories, -1) || AllowCreate(keys, stories, 3) {
		t.Error("越界序号不允许")
	}
}

func TestSectionOutOfOrderRejectedBeforeCall(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withOutline(t, env)
	calls := env.llm.callCount()

	_, err := env.sections.Generate(context.Background(), testCreds, SectionRequest{
		SessionID: sess.ID, Mode: SectionCreate, Chapter: 0, Section: 1,
	})
	if !apperrors.IsSequencingError(err) {
		t.Fatalf("跳过前一节应返回顺序错误, 实际 %v", err)
	}
	if env.llm.callCount() != calls {
		t.Error("顺序错误不应调用模型")
	}
	stored, _ := env.sessions.Get(context.Background(), sess.ID)
	if stored.Stage != models.StageOutlineDone {
		t.Errorf("被拒绝的请求不应改变阶段, 实际 %s", stored.Stage)
	}
}

func TestSectionRecreateOnlyLatest(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withOutline(t, env)
	ctx := context.Background()

	for _, s := range []int{0, 1} {
		if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Mode: SectionCreate, Chapter: 0, Section: s}); err != nil {
			t.Fatalf("生成小节 0-%d 失败: %v", s, err)
		}
	}
	calls := env.llm.callCount()

	_, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Mode: SectionRecreate, Chapter: 0, Section: 0})
	if !apperrors.IsSequencingError(err) {
		t.Fatalf("重新生成较早的小节应被拒绝, 实际 %v", err)
	}
	if env.llm.callCount() != calls {
		t.Error("被拒绝的重新生成不应调用模型")
	}

	res, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Mode: SectionRecreate, Chapter: 0, Section: 1})
	if err != nil {
		t.Fatalf("重新生成最近小节应成功: %v", err)
	}
	if !res.ParseOK || !res.Story.Expanded {
		t.Errorf("结果错误: %+v", res)
	}
}

func TestSectionPromptComposition(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withOutline(t, env)
	ctx := context.Background()

	if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Chapter: 0, Section: 0}); err != nil {
		t.Fatalf("生成第一节失败: %v", err)
	}
	first := env.llm.lastPrompt()
	if strings.Contains(first, "【上一节正文") {
		t.Error("第一节不应包含上一节正文")
	}
	if !strings.Contains(first, "<chapterTitle>") || !strings.Contains(first, "「醒来」") || !strings.Contains(first, "Alice") {
		t.Errorf("提示缺少大纲、小节标题或主角: %s", first)
	}

	if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Chapter: 0, Section: 1}); err != nil {
		t.Fatalf("生成第二节失败: %v", err)
	}
	second := env.llm.lastPrompt()
	if !strings.Contains(second, "【上一节正文：小节】\n小节的正文。") {
		t.Errorf("第二节提示应包含上一节正文: %s", second)
	}
}

func TestSectionMinimalOutline(t *testing.T) {
	env := newTestEnv(t, scriptedReply(minimalOutlineReply))
	sess := withOutline(t, env)
	ctx := context.Background()

	res, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Chapter: 0, Section: 0})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	p := env.llm.lastPrompt()
	if !strings.Contains(p, "情节节拍：\n1. 醒来\n2. 审判") || !strings.Contains(p, "「醒来」") {
		t.Errorf("精简大纲提示错误: %s", p)
	}
	if res.Story.Key() != (models.SectionKey{Chapter: 0, Section: 0}) {
		t.Errorf("小节键错误: %v", res.Story.Key())
	}
}

func TestSectionParseFailureKeepsState(t *testing.T) {
	storyText := storyReply("第一节")
	env := newTestEnv(t, func(p string) llm.CompletionResult {
		if strings.Contains(p, "写出小节") {
			return okText(storyText)
		}
		return okText(fullOutlineReply)
	})
	sess := withOutline(t, env)
	ctx := context.Background()

	if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Chapter: 0, Section: 0}); err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	storyText = "<story><title>只有标题</title></story>"
	res, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Mode: SectionRecreate, Chapter: 0, Section: 0})
	if !apperrors.IsParseError(err) {
		t.Fatalf("缺少正文应返回解析错误, 实际 %v", err)
	}
	if res == nil || res.ParseOK || res.RawText != storyText {
		t.Errorf("结果错误: %+v", res)
	}

	stored, _ := env.sessions.Get(ctx, sess.ID)
	st, ok := stored.Story(models.SectionKey{})
	if !ok || st.Title != "第一节" {
		t.Errorf("解析失败不应覆盖已有正文: %+v", st)
	}
}

func TestSectionInvalidRequests(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withCharacters(t, env)
	ctx := context.Background()

	if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID}); !apperrors.IsSequencingError(err) {
		t.Errorf("没有大纲应返回顺序错误, 实际 %v", err)
	}
	if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Mode: "rewrite"}); !apperrors.IsValidationError(err) {
		t.Errorf("未知模式应返回校验错误, 实际 %v", err)
	}

	withOutlineEnv := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess2 := withOutline(t, withOutlineEnv)
	if _, err := withOutlineEnv.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess2.ID, Chapter: 5, Section: 0}); !apperrors.IsValidationError(err) {
		t.Errorf("越界小节应返回校验错误, 实际 %v", err)
	}
}

func TestStoriesViewAndCompletion(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withOutline(t, env)
	ctx := context.Background()

	view, err := env.sections.Stories(ctx, sess.ID)
	if err != nil {
		t.Fatalf("读取小节失败: %v", err)
	}
	if len(view.Entries) != 3 || !view.Entries[0].AllowCreate || view.Entries[1].AllowCreate {
		t.Fatalf("初始许可错误: %+v", view.Entries)
	}
	if view.Entries[2].Title != "第一次审判" {
		t.Errorf("标题错误: %s", view.Entries[2].Title)
	}

	keys := []models.SectionKey{{Chapter: 0, Section: 0}, {Chapter: 0, Section: 1}, {Chapter: 1, Section: 0}}
	for _, k := range keys {
		if _, err := env.sections.Generate(ctx, testCreds, SectionRequest{SessionID: sess.ID, Chapter: k.Chapter, Section: k.Section}); err != nil {
			t.Fatalf("生成 %s 失败: %v", k, err)
		}
	}

	view, _ = env.sections.Stories(ctx, sess.ID)
	for i, e := range view.Entries {
		if !e.Generated || e.AllowCreate {
			t.Errorf("第 %d 项状态错误: %+v", i, e)
		}
		if e.AllowRecreate != (i == 2) {
			t.Errorf("第 %d 项重新生成许可错误", i)
		}
	}
	if view.Stage != models.StageComplete {
		t.Errorf("全部生成后阶段应为 complete, 实际 %s", view.Stage)
	}

	_, err = env.outlines.GenerateOutline(ctx, testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Bob"})
	if !apperrors.IsSequencingError(err) {
		t.Errorf("已有正文时不应重新生成大纲, 实际 %v", err)
	}
}
