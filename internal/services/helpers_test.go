package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/storage"
)

// fakeLLM 按提示内容返回预设回复并记录所有调用
type fakeLLM struct {
	mu    sync.Mutex
	calls []string
	reply func(prompt string) llm.CompletionResult
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Credentials, req llm.CompletionRequest) llm.CompletionResult {
	f.mu.Lock()
	f.calls = append(f.calls, req.Prompt)
	f.mu.Unlock()
	return f.reply(req.Prompt)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func okText(text string) llm.CompletionResult {
	return llm.CompletionResult{OK: true, Text: text}
}

var testCreds = llm.Credentials{APIKey: "sk-test", BaseURL: "http://llm.local/v1", Model: "test-model"}

type testEnv struct {
	llm        *fakeLLM
	progress   *ProgressService
	locks      *LockManager
	history    *storage.MemoryHistory
	sessions   *SessionService
	characters *CharacterService
	profiles   *ProfileService
	outlines   *OutlineService
	sections   *SectionService
	exports    *ExportService
}

func newTestEnv(t *testing.T, reply func(prompt string) llm.CompletionResult) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore(1000, time.Hour)
	locks := NewLockManager()
	t.Cleanup(func() {
		store.Close()
		locks.Stop()
	})

	fake := &fakeLLM{reply: reply}
	progress := NewProgressService()
	history := storage.NewMemoryHistory()
	assets := Assets{Templates: prompt.DefaultTemplates(), Reference: "【参考资料】魔女审判的孤岛。"}
	sessions := NewSessionService(store, locks, progress)

	return &testEnv{
		llm:        fake,
		progress:   progress,
		locks:      locks,
		history:    history,
		sessions:   sessions,
		characters: NewCharacterService(sessions, fake, assets, progress, 3),
		profiles:   NewProfileService(sessions, fake, assets),
		outlines:   NewOutlineService(sessions, fake, assets, history),
		sections:   NewSectionService(sessions, fake, assets),
		exports:    NewExportService(sessions, "", ""),
	}
}

func (e *testEnv) newSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := e.sessions.Create(context.Background())
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	return sess
}

func twelveRoles() []models.RoleQuestionnaire {
	roles := make([]models.RoleQuestionnaire, RequiredRoles)
	for i := range roles {
		roles[i] = models.RoleQuestionnaire{
			Name:              fmt.Sprintf("少女%d", i+1),
			Age:               "16",
			AppearanceClothes: "黑色长发，校服",
			Ability:           "觉醒前：能听见花的声音；觉醒后：能让花瞬间枯萎",
			TragicStory:       "家人在火灾中丧生",
			Personality:       "安静",
			OriginalSin:       "嫉妒",
		}
	}
	return roles
}

const fullOutlineReply = `好的，以下是大纲：
<outline>
  <title>孤岛审判</title>
  <premise>十二名少女被困在孤岛的牢狱中。</premise>
  <chapter>
    <chapterTitle>第一章 囚禁</chapterTitle>
    <section><sectionTitle>醒来</sectionTitle><summary>主角在牢房中醒来。</summary></section>
    <section><sectionTitle>相遇</sectionTitle><summary>少女们第一次见面。</summary></section>
  </chapter>
  <chapter>
    <chapterTitle>第二章 审判</chapterTitle>
    <section><sectionTitle>第一次审判</sectionTitle><summary>典狱长宣布审判开始。</summary></section>
  </chapter>
  <ending>谁是魔女仍是谜。</ending>
</outline>`

const minimalOutlineReply = `<outline><premise>少女们被困孤岛。</premise><beats><beat>醒来</beat><beat>审判</beat></beats></outline>`

func storyReply(title string) string {
	return "<story><title>" + title + "</title><content><![CDATA[" + title + "的正文。]]></content></story>"
}

// scriptedReply 按提示中的指令类型返回对应回复
func scriptedReply(outline string) func(string) llm.CompletionResult {
	return func(p string) llm.CompletionResult {
		switch {
		case strings.Contains(p, "写出小节"):
			return okText(storyReply("小节"))
		case strings.Contains(p, "长篇故事大纲"):
			return okText(outline)
		case strings.Contains(p, "<profile>"):
			return okText("<profile><appearance>银发红瞳</appearance><preferences>喜欢甜点</preferences></profile>")
		default:
			return okText(completionReply("补全少女"))
		}
	}
}

func completionReply(name string) string {
	return `<character>
  <name><![CDATA[` + name + `]]></name>
  <age><![CDATA[17]]></age>
  <appearanceClothes><![CDATA[红色斗篷]]></appearanceClothes>
  <magicPre><![CDATA[预知梦]]></magicPre>
  <magicPost><![CDATA[改写梦境]]></magicPost>
  <tragicStory><![CDATA[被村庄驱逐]]></tragicStory>
  <personality><![CDATA[倔强]]></personality>
  <originalSin><![CDATA[傲慢]]></originalSin>
</character>`
}
