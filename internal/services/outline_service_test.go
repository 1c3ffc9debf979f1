package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/storage"
)

// failingSessionStore 从第 failFrom 次写会话起返回错误
type failingSessionStore struct {
	storage.Store
	mu       sync.Mutex
	puts     int
	failFrom int
}

func (f *failingSessionStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, "session:") {
		f.mu.Lock()
		f.puts++
		fail := f.puts >= f.failFrom
		f.mu.Unlock()
		if fail {
			return errors.New("磁盘已满")
		}
	}
	return f.Store.Put(ctx, key, value)
}

func withCharacters(t *testing.T, env *testEnv) *models.Session {
	t.Helper()
	sess := env.newSession(t)
	_, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeDirect,
		Roles:     twelveRoles(),
	})
	if err != nil {
		t.Fatalf("生成人物失败: %v", err)
	}
	return sess
}

func TestOutlineEndToEnd(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withCharacters(t, env)

	res, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{
		SessionID:       sess.ID,
		ProtagonistName: "Alice",
	})
	if err != nil {
		t.Fatalf("生成大纲失败: %v", err)
	}

	p := env.llm.lastPrompt()
	if strings.Count(p, "<character>") != RequiredRoles+1 {
		t.Errorf("提示应包含 13 条人物记录, 实际 %d", strings.Count(p, "<character>"))
	}
	if !strings.Contains(p, models.FixedRoleName) {
		t.Errorf("提示应包含固定角色")
	}
	if !strings.Contains(p, "Alice") || strings.Contains(p, "{{mainCharacter}}") {
		t.Errorf("主角占位符未替换")
	}
	if !strings.HasPrefix(p, "【参考资料】") {
		t.Errorf("提示应以参考资料开头")
	}

	if !res.ParseOK || res.Kind != "full" {
		t.Fatalf("应解析为完整大纲, 实际 parseOk=%v kind=%s", res.ParseOK, res.Kind)
	}
	if len(res.Outline.Full.Chapters) < 1 {
		t.Fatal("至少应有一章")
	}
	for _, ch := range res.Outline.Full.Chapters {
		if len(ch.Sections) < 1 {
			t.Errorf("章节 %s 没有小节", ch.ChapterTitle)
		}
	}

	xml, err := env.sessions.GetOutlineXML(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("读取大纲 XML 失败: %v", err)
	}
	if !strings.HasPrefix(xml, "<outline>") || !strings.HasSuffix(xml, "</outline>") {
		t.Errorf("应只保存大纲 XML 片段, 实际 %q", xml)
	}

	entries, _ := env.outlines.History(context.Background())
	if len(entries) != 1 || entries[0].ID != res.HistoryID || entries[0].Title != "孤岛审判" {
		t.Errorf("应追加一条历史记录, 实际 %+v", entries)
	}

	stored, _ := env.sessions.Get(context.Background(), sess.ID)
	if stored.Stage != models.StageOutlineDone || stored.ProtagonistName != "Alice" {
		t.Errorf("会话状态错误: stage=%s protagonist=%s", stored.Stage, stored.ProtagonistName)
	}
}

func TestOutlineParseFailure(t *testing.T) {
	prose := "从前有一座孤岛，岛上关着十二个少女。这是一段没有任何标签的散文。"
	env := newTestEnv(t, scriptedReply(prose))
	sess := withCharacters(t, env)

	res, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{
		SessionID:       sess.ID,
		ProtagonistName: "Alice",
	})
	if !apperrors.IsParseError(err) {
		t.Fatalf("应返回解析错误, 实际 %v", err)
	}
	if res == nil || res.ParseOK || res.RawText != prose {
		t.Fatalf("应返回原始文本且 parseOk=false, 实际 %+v", res)
	}

	entries, _ := env.outlines.History(context.Background())
	if len(entries) != 0 {
		t.Errorf("解析失败不应创建历史记录, 实际 %d 条", len(entries))
	}
	if _, err := env.sessions.GetOutlineXML(context.Background(), sess.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("解析失败不应保存大纲, 实际 %v", err)
	}
	stored, _ := env.sessions.Get(context.Background(), sess.ID)
	if stored.Outline != nil || stored.Stage != models.StageError || stored.FailedStage != models.StageOutlineRunning {
		t.Errorf("会话状态错误: %+v", stored)
	}
	if len(stored.Characters) != RequiredRoles+1 {
		t.Errorf("失败不应影响已有人物")
	}
}

func TestOutlineNotRecordedWhenSessionSaveFails(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := withCharacters(t, env)
	// 进入运行阶段的写入成功，提交结果时失败
	env.sessions.store = &failingSessionStore{Store: env.sessions.store, failFrom: 2}

	_, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{
		SessionID:       sess.ID,
		ProtagonistName: "Alice",
	})
	if err == nil {
		t.Fatal("会话保存失败时应返回错误")
	}
	entries, _ := env.outlines.History(context.Background())
	if len(entries) != 0 {
		t.Errorf("会话未提交时不应追加历史记录, 实际 %d 条", len(entries))
	}
	if _, err := env.sessions.GetOutlineXML(context.Background(), sess.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("会话未提交时不应保存大纲, 实际 %v", err)
	}
}

func TestOutlineRecordedAfterRequestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reply := scriptedReply(fullOutlineReply)
	env := newTestEnv(t, func(p string) llm.CompletionResult {
		res := reply(p)
		if strings.Contains(p, "长篇故事大纲") {
			cancel()
		}
		return res
	})
	sess := withCharacters(t, env)

	res, err := env.outlines.GenerateOutline(ctx, testCreds, OutlineRequest{
		SessionID:       sess.ID,
		ProtagonistName: "Alice",
	})
	if err != nil {
		t.Fatalf("模型已返回时请求取消不应导致失败: %v", err)
	}
	entries, _ := env.outlines.History(context.Background())
	if len(entries) != 1 || entries[0].ID != res.HistoryID {
		t.Errorf("应追加一条历史记录, 实际 %+v", entries)
	}
	xml, err := env.sessions.GetOutlineXML(context.Background(), sess.ID)
	if err != nil || xml != res.OutlineXML {
		t.Errorf("大纲应已保存, 实际 %q %v", xml, err)
	}
}

func TestOutlineRetryAfterFailure(t *testing.T) {
	reply := "散文"
	env := newTestEnv(t, func(p string) llm.CompletionResult {
		return okText(reply)
	})
	sess := withCharacters(t, env)

	if _, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Alice"}); err == nil {
		t.Fatal("第一次应失败")
	}
	reply = minimalOutlineReply
	res, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Alice"})
	if err != nil {
		t.Fatalf("重试应成功: %v", err)
	}
	if res.Kind != "minimal" {
		t.Errorf("应回退为精简大纲, 实际 %s", res.Kind)
	}
	stored, _ := env.sessions.Get(context.Background(), sess.ID)
	if stored.Stage != models.StageOutlineDone || stored.LastError != "" {
		t.Errorf("重试成功后应清除错误: %+v", stored)
	}
}

func TestOutlineSequencing(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := env.newSession(t)

	_, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Alice"})
	if !apperrors.IsSequencingError(err) {
		t.Errorf("没有人物时应返回顺序错误, 实际 %v", err)
	}
	_, err = env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID})
	if !apperrors.IsValidationError(err) {
		t.Errorf("缺少主角应返回校验错误, 实际 %v", err)
	}
	if env.llm.callCount() != 0 {
		t.Errorf("前置条件失败不应调用模型")
	}
	_, err = env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: "missing", ProtagonistName: "Alice"})
	if !apperrors.IsNotFoundError(err) {
		t.Errorf("会话不存在应返回 not_found, 实际 %v", err)
	}
}

func TestOutlineUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, func(string) llm.CompletionResult {
		return llm.Failure(429, `{"error":"rate limited"}`, "请求过多")
	})
	sess := withCharacters(t, env)

	res, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Alice"})
	if !apperrors.IsUpstreamError(err) {
		t.Fatalf("应返回上游错误, 实际 %v", err)
	}
	if res != nil {
		t.Errorf("模型未回复时不应返回结果")
	}
	appErr, _ := apperrors.AsAppError(err)
	if appErr.StatusCode != 429 || appErr.RawText != `{"error":"rate limited"}` {
		t.Errorf("应保留上游状态码与原始响应: %+v", appErr)
	}
}

func TestOutlinePromptOverride(t *testing.T) {
	env := newTestEnv(t, func(string) llm.CompletionResult { return okText(fullOutlineReply) })
	sess := withCharacters(t, env)

	_, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{
		SessionID:      sess.ID,
		PromptOverride: "自定义提示",
	})
	if err != nil {
		t.Fatalf("覆盖提示不应失败: %v", err)
	}
	if env.llm.lastPrompt() != "自定义提示" {
		t.Errorf("应原样使用覆盖提示, 实际 %q", env.llm.lastPrompt())
	}
}

func TestProfileThenOutline(t *testing.T) {
	env := newTestEnv(t, scriptedReply(minimalOutlineReply))
	sess := env.newSession(t)

	pres, err := env.profiles.GenerateProfile(context.Background(), testCreds, ProfileRequest{
		SessionID: sess.ID,
		Items:     []models.QAItem{{Question: "外貌", Answer: "银发"}, {Question: "喜好", Answer: "甜点"}},
	})
	if err != nil {
		t.Fatalf("生成档案失败: %v", err)
	}
	if pres.Prompt.TemplateName != "base" || !strings.Contains(pres.Prompt.PromptOnly, "Q1: 外貌\nA1: 银发") {
		t.Errorf("提示构建错误: %+v", pres.Prompt)
	}
	if pres.ProfileBlock != "人物外貌：银发红瞳\n\n人物喜好：喜欢甜点" {
		t.Errorf("档案块错误: %q", pres.ProfileBlock)
	}

	if _, err := env.outlines.GenerateOutline(context.Background(), testCreds, OutlineRequest{SessionID: sess.ID, ProtagonistName: "Alice"}); err != nil {
		t.Fatalf("生成大纲失败: %v", err)
	}
	if !strings.Contains(env.llm.lastPrompt(), "人物外貌：银发红瞳") {
		t.Errorf("大纲提示应包含档案块")
	}

	_, err = env.profiles.GenerateProfile(context.Background(), testCreds, ProfileRequest{
		SessionID: sess.ID,
		Items:     []models.QAItem{{Question: "外貌", Answer: "金发"}},
	})
	if !apperrors.IsSequencingError(err) {
		t.Errorf("大纲生成后不应再修改档案, 实际 %v", err)
	}
}

func TestProfileParseFailure(t *testing.T) {
	env := newTestEnv(t, func(string) llm.CompletionResult { return okText("<profile><appearance>只有外貌</appearance></profile>") })
	sess := env.newSession(t)

	res, err := env.profiles.GenerateProfile(context.Background(), testCreds, ProfileRequest{
		SessionID:   sess.ID,
		Items:       []models.QAItem{{Question: "外貌", Answer: "银发"}},
		Instruction: "  更详细  ",
	})
	if !apperrors.IsParseError(err) {
		t.Fatalf("缺少字段应返回解析错误, 实际 %v", err)
	}
	if res == nil || res.ParseOK || res.Prompt.TemplateName != "withInstruction" {
		t.Errorf("结果错误: %+v", res)
	}
	if !strings.Contains(res.Prompt.FinalPrompt, "附加要求：更详细") {
		t.Errorf("指令应裁剪后替换")
	}
}
