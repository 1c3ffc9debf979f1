package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
)

func TestValidateRoles(t *testing.T) {
	err := ValidateRoles(twelveRoles()[:11])
	if !apperrors.IsValidationError(err) {
		t.Fatalf("11 个角色应返回校验错误, 实际 %v", err)
	}

	roles := twelveRoles()
	roles[3].Ability = "  "
	err = ValidateRoles(roles)
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Type != apperrors.ErrorTypeValidation {
		t.Fatalf("缺失字段应返回校验错误, 实际 %v", err)
	}
	if _, ok := appErr.Details["roles[3].ability"]; !ok {
		t.Errorf("详情中应包含 roles[3].ability, 实际 %v", appErr.Details)
	}

	if err := ValidateRoles(twelveRoles()); err != nil {
		t.Errorf("完整问卷不应报错: %v", err)
	}
}

func countNamed(records []models.CharacterRecord, name string) int {
	n := 0
	for _, r := range records {
		if r.Name == name {
			n++
		}
	}
	return n
}

func TestFixedRoleNameRejected(t *testing.T) {
	for _, mode := range []string{ModeDirect, ModeCompletion} {
		env := newTestEnv(t, scriptedReply(fullOutlineReply))
		sess := env.newSession(t)
		roles := twelveRoles()
		roles[0].Name = " " + models.FixedRoleName

		_, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
			SessionID: sess.ID,
			Mode:      mode,
			Roles:     roles,
		})
		appErr, ok := apperrors.AsAppError(err)
		if !ok || appErr.Type != apperrors.ErrorTypeValidation {
			t.Fatalf("%s: 与固定角色重名应返回校验错误, 实际 %v", mode, err)
		}
		if _, ok := appErr.Details["roles[0].name"]; !ok {
			t.Errorf("%s: 详情中应包含 roles[0].name, 实际 %v", mode, appErr.Details)
		}
		if env.llm.callCount() != 0 {
			t.Errorf("%s: 校验失败时不应调用模型", mode)
		}
	}
}

func TestCompletionNeverDuplicatesFixedRole(t *testing.T) {
	env := newTestEnv(t, func(string) llm.CompletionResult {
		return okText(completionReply(models.FixedRoleName))
	})
	sess := env.newSession(t)

	res, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeCompletion,
		Roles:     twelveRoles(),
	})
	if err != nil {
		t.Fatalf("补全模式不应失败: %v", err)
	}
	if n := countNamed(res.Characters, models.FixedRoleName); n != 1 {
		t.Errorf("固定角色应只出现一次, 实际 %d", n)
	}
	if res.Characters[0].Name != "少女1" {
		t.Errorf("重名时应沿用问卷名字, 实际 %s", res.Characters[0].Name)
	}
	last := res.Characters[len(res.Characters)-1]
	if !last.Fixed || last.Name != models.FixedRoleName {
		t.Errorf("最后一条应为固定角色: %+v", last)
	}
}

func TestGenerateCharactersDirect(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := env.newSession(t)

	res, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeDirect,
		Roles:     twelveRoles(),
	})
	if err != nil {
		t.Fatalf("直接模式不应失败: %v", err)
	}
	if env.llm.callCount() != 0 {
		t.Errorf("直接模式不应调用模型, 实际 %d 次", env.llm.callCount())
	}
	if len(res.Characters) != RequiredRoles+1 {
		t.Fatalf("应有 13 条人物记录, 实际 %d", len(res.Characters))
	}
	last := res.Characters[RequiredRoles]
	if !last.Fixed || last.Name != models.FixedRoleName {
		t.Errorf("最后一条应为固定角色, 实际 %+v", last)
	}
	first := res.Characters[0]
	if first.RoleID != "role-1" || first.Source != models.SourceDirect {
		t.Errorf("角色ID或来源错误: %+v", first)
	}
	if first.MagicPre != "能听见花的声音" {
		t.Errorf("觉醒前能力拆分错误: %q", first.MagicPre)
	}
	if first.MagicPost != "能让花瞬间枯萎" {
		t.Errorf("觉醒后能力拆分错误: %q", first.MagicPost)
	}

	stored, err := env.sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if stored.Stage != models.StageProfileDone {
		t.Errorf("阶段应为 profile_done, 实际 %s", stored.Stage)
	}
	if len(stored.Characters) != RequiredRoles+1 {
		t.Errorf("会话应保存 13 条人物记录, 实际 %d", len(stored.Characters))
	}
}

func TestGenerateCharactersCompletion(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := env.newSession(t)

	res, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeCompletion,
		Roles:     twelveRoles(),
	})
	if err != nil {
		t.Fatalf("补全模式不应失败: %v", err)
	}
	if env.llm.callCount() != RequiredRoles {
		t.Errorf("应调用模型 12 次, 实际 %d", env.llm.callCount())
	}
	for i, rec := range res.Characters[:RequiredRoles] {
		if rec.Source != models.SourceCompletion || rec.Name != "补全少女" || rec.MagicPost != "改写梦境" {
			t.Errorf("第 %d 条记录错误: %+v", i, rec)
		}
	}
	if !strings.Contains(res.CharactersXML, "<characters>") {
		t.Errorf("应返回人物 XML")
	}
}

func TestGenerateCharactersCompletionPartialFailure(t *testing.T) {
	env := newTestEnv(t, func(p string) llm.CompletionResult {
		if strings.Contains(p, "少女5") {
			return llm.Failure(500, `{"error":"boom"}`, "上游错误")
		}
		if strings.Contains(p, "少女7") {
			return okText("我不想按格式回答")
		}
		return okText(completionReply("补全少女"))
	})
	sess := env.newSession(t)

	res, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeCompletion,
		Roles:     twelveRoles(),
	})
	if err == nil {
		t.Fatal("部分角色失败时应返回错误")
	}
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Type != apperrors.ErrorTypeUpstream || len(appErr.Details) != 2 {
		t.Errorf("含上游失败时应为上游错误并列出失败角色: %v", err)
	}
	if res == nil || res.Committed {
		t.Fatalf("应返回未提交的逐角色结果, 实际 %+v", res)
	}
	failed := 0
	for _, rr := range res.Roles {
		if !rr.OK {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("应有 2 个角色失败, 实际 %d", failed)
	}
	if env.llm.callCount() != RequiredRoles {
		t.Errorf("单个失败不应中断其它角色, 调用次数 %d", env.llm.callCount())
	}

	stored, _ := env.sessions.Get(context.Background(), sess.ID)
	if len(stored.Characters) != 0 {
		t.Errorf("失败时不应写入人物, 实际 %d 条", len(stored.Characters))
	}
	if stored.Stage != models.StageError || stored.FailedStage != models.StageProfileRunning {
		t.Errorf("应记录失败阶段, 实际 stage=%s failed=%s", stored.Stage, stored.FailedStage)
	}
}

func TestGenerateCharactersValidationBeforeCall(t *testing.T) {
	env := newTestEnv(t, scriptedReply(fullOutlineReply))
	sess := env.newSession(t)

	_, err := env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      ModeCompletion,
		Roles:     twelveRoles()[:5],
	})
	if !apperrors.IsValidationError(err) {
		t.Errorf("角色数量不足应返回校验错误, 实际 %v", err)
	}
	if env.llm.callCount() != 0 {
		t.Errorf("校验失败不应调用模型")
	}

	_, err = env.characters.GenerateCharacters(context.Background(), testCreds, CharactersRequest{
		SessionID: sess.ID,
		Mode:      "magic",
		Roles:     twelveRoles(),
	})
	if !apperrors.IsValidationError(err) {
		t.Errorf("未知模式应返回校验错误, 实际 %v", err)
	}
}

func TestSplitAbility(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		pre, post string
	}{
		{"显式标签", "觉醒前：治愈小伤\n觉醒后：夺走生命", "治愈小伤", "夺走生命"},
		{"魔女化标签", "魔女化前: 读心 魔女化后: 操纵心智", "读心", "操纵心智"},
		{"英文标签", "Before: see ghosts After: become a ghost", "see ghosts", "become a ghost"},
		{"简单标记", "前：点火 后：焚城", "点火", "焚城"},
		{"箭头", "隐身 → 消失于世间", "隐身", "消失于世间"},
		{"ASCII箭头", "fly -> fall", "fly", "fall"},
		{"段落", "控制影子\n\n被影子吞噬", "控制影子", "被影子吞噬"},
		{"分隔符", "操纵丝线；把人变成人偶", "操纵丝线", "把人变成人偶"},
		{"竖线", "冻结|永冻", "冻结", "永冻"},
		{"无法拆分", "能和猫说话", "能和猫说话", ""},
		{"空", "   ", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre, post := SplitAbility(tt.input)
			if pre != tt.pre || post != tt.post {
				t.Errorf("SplitAbility(%q) = (%q, %q), 期望 (%q, %q)", tt.input, pre, post, tt.pre, tt.post)
			}
		})
	}
}
