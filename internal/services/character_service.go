// internal/services/character_service.go
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
	"github.com/Lianues/manosaba-ai/internal/prompt"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// 人物生成模式
const (
	ModeDirect     = "direct"
	ModeCompletion = "completion"
)

// CharactersRequest 阶段一请求
type CharactersRequest struct {
	SessionID string                     `json:"sessionId"`
	Mode      string                     `json:"mode"`
	Roles     []models.RoleQuestionnaire `json:"roles"`
}

// RoleResult 单个角色的生成结果
type RoleResult struct {
	RoleID  string                  `json:"roleId"`
	Name    string                  `json:"name"`
	OK      bool                    `json:"ok"`
	ParseOK bool                    `json:"parseOk"`
	Record  *models.CharacterRecord `json:"record,omitempty"`
	RawText string                  `json:"rawText,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// CharactersResult 阶段一结果
type CharactersResult struct {
	SessionID     string                   `json:"sessionId"`
	Mode          string                   `json:"mode"`
	Committed     bool                     `json:"committed"`
	Roles         []RoleResult             `json:"roles"`
	Characters    []models.CharacterRecord `json:"characters,omitempty"`
	CharactersXML string                   `json:"charactersXml,omitempty"`
}

// CharacterService 处理人物设定的生成
type CharacterService struct {
	sessions    *SessionService
	llm         LLMClient
	assets      Assets
	progress    *ProgressService
	concurrency int
	logger      *utils.Logger
}

// NewCharacterService 创建人物服务
func NewCharacterService(sessions *SessionService, client LLMClient, assets Assets, progress *ProgressService, concurrency int) *CharacterService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &CharacterService{
		sessions:    sessions,
		llm:         client,
		assets:      assets,
		progress:    progress,
		concurrency: concurrency,
		logger:      utils.GetLogger(),
	}
}

// ValidateRoles 要求恰好 12 个角色且每个角色七项问卷均已填写
func ValidateRoles(roles []models.RoleQuestionnaire) error {
	if len(roles) != RequiredRoles {
		return apperrors.NewFieldValidationError(
			fmt.Sprintf("需要 %d 个角色，实际 %d 个", RequiredRoles, len(roles)),
			map[string]string{"roles": fmt.Sprintf("需要 %d 个角色", RequiredRoles)},
		)
	}
	details := make(map[string]string)
	for i, role := range roles {
		for _, f := range role.MissingFields() {
			details[fmt.Sprintf("roles[%d].%s", i, f)] = "必填"
		}
		if strings.TrimSpace(role.Name) == models.FixedRoleName {
			details[fmt.Sprintf("roles[%d].name", i)] = "与固定角色重名: " + models.FixedRoleName
		}
	}
	if len(details) > 0 {
		return apperrors.NewFieldValidationError("角色问卷未填写完整", details)
	}
	return nil
}

// GenerateCharacters 执行阶段一；12 个角色全部成功才写入会话
func (s *CharacterService) GenerateCharacters(ctx context.Context, creds llm.Credentials, req CharactersRequest) (*CharactersResult, error) {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeDirect
	}
	if mode != ModeDirect && mode != ModeCompletion {
		return nil, apperrors.NewFieldValidationError("未知的生成模式: "+req.Mode, map[string]string{"mode": "direct 或 completion"})
	}
	if err := ValidateRoles(req.Roles); err != nil {
		return nil, err
	}
	roles := make([]models.RoleQuestionnaire, len(req.Roles))
	for i, r := range req.Roles {
		if strings.TrimSpace(r.RoleID) == "" {
			r.RoleID = fmt.Sprintf("role-%d", i+1)
		}
		roles[i] = r
	}

	result := &CharactersResult{SessionID: req.SessionID, Mode: mode}
	err := s.sessions.runStage(ctx, req.SessionID, stageRun{
		Running: models.StageProfileRunning,
		Check: func(sess *models.Session) error {
			if sess.Outline != nil {
				return apperrors.NewSequencingError("大纲已生成，不能再修改人物设定")
			}
			return nil
		},
		Work: func(ctx context.Context, sess *models.Session) error {
			if mode == ModeDirect {
				result.Roles = directRecords(roles)
			} else {
				result.Roles = s.completeRoles(ctx, creds, req.SessionID, roles)
			}

			records := make([]models.CharacterRecord, 0, len(roles)+1)
			failures := make(map[string]string)
			onlyParse := true
			for _, rr := range result.Roles {
				if !rr.OK {
					failures[rr.RoleID] = rr.Error
					if rr.Error != errRoleParse {
						onlyParse = false
					}
					continue
				}
				records = append(records, *rr.Record)
			}
			if len(failures) > 0 {
				return roleFailureError(failures, onlyParse)
			}

			records = append(records, models.FixedRole())
			sess.Characters = records
			result.Characters = records
			result.CharactersXML = prompt.CharactersXML(records)
			result.Committed = true
			return nil
		},
	})
	if err != nil {
		if result.Roles != nil {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// directRecords 直接把问卷映射为人物记录
func directRecords(roles []models.RoleQuestionnaire) []RoleResult {
	out := make([]RoleResult, len(roles))
	for i, r := range roles {
		pre, post := SplitAbility(r.Ability)
		rec := &models.CharacterRecord{
			RoleID: r.RoleID,
			CharacterCompletion: models.CharacterCompletion{
				Name:              strings.TrimSpace(r.Name),
				Age:               strings.TrimSpace(r.Age),
				AppearanceClothes: strings.TrimSpace(r.AppearanceClothes),
				MagicPre:          pre,
				MagicPost:         post,
				TragicStory:       strings.TrimSpace(r.TragicStory),
				Personality:       strings.TrimSpace(r.Personality),
				OriginalSin:       strings.TrimSpace(r.OriginalSin),
			},
			Source: models.SourceDirect,
		}
		out[i] = RoleResult{RoleID: r.RoleID, Name: rec.Name, OK: true, ParseOK: true, Record: rec}
	}
	return out
}

// completeRoles 每个角色一次模型调用，单个失败不影响其它角色
func (s *CharacterService) completeRoles(ctx context.Context, creds llm.Credentials, sessionID string, roles []models.RoleQuestionnaire) []RoleResult {
	out := make([]RoleResult, len(roles))
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, role := range roles {
		g.Go(func() error {
			rr := s.completeRole(gctx, creds, role)
			mu.Lock()
			out[i] = rr
			done++
			n := done
			mu.Unlock()
			s.progress.Emit(sessionID, EventRoleCompleted, models.StageProfileRunning,
				fmt.Sprintf("%d/%d", n, len(roles)), map[string]interface{}{"roleId": rr.RoleID, "ok": rr.OK})
			return nil
		})
	}
	_ = g.Wait()
	return out
}

const errRoleParse = "无法解析人物设定"

// roleFailureError 汇总失败的角色；全部是解析失败时按解析错误返回
func roleFailureError(failures map[string]string, onlyParse bool) *apperrors.AppError {
	msg := fmt.Sprintf("%d 个角色生成失败，人物设定未保存", len(failures))
	var err *apperrors.AppError
	if onlyParse {
		err = apperrors.NewParseError(msg, "")
	} else {
		err = apperrors.NewUpstreamError(msg, 0, "")
	}
	err.Details = failures
	return err
}

func (s *CharacterService) completeRole(ctx context.Context, creds llm.Credentials, role models.RoleQuestionnaire) RoleResult {
	rr := RoleResult{RoleID: role.RoleID, Name: role.Name}
	fp := prompt.BuildFinalPrompt(s.assets.Templates, role.QAItems(), s.assets.Templates.CompletionInstruction)

	res := s.llm.Complete(ctx, creds, llm.CompletionRequest{Prompt: fp.FinalPrompt})
	if !res.OK {
		rr.RawText = res.RawBody
		rr.Error = completionError(res).Error()
		return rr
	}
	rr.RawText = res.Text

	completion := parser.ParseCharacterCompletion(res.Text)
	if completion == nil {
		rr.Error = errRoleParse
		s.logger.Warn("人物设定解析失败", map[string]interface{}{"role_id": role.RoleID})
		return rr
	}
	// 保留模型返回的名字，与固定角色重名时沿用问卷中的名字
	if strings.TrimSpace(completion.Name) == models.FixedRoleName {
		completion.Name = role.Name
	}
	rr.Name = completion.Name
	rr.OK = true
	rr.ParseOK = true
	rr.Record = &models.CharacterRecord{
		RoleID:              role.RoleID,
		CharacterCompletion: *completion,
		Source:              models.SourceCompletion,
	}
	return rr
}

var (
	explicitAbilityPattern = regexp.MustCompile(`(?is)(?:觉醒前|魔女化前|before)\s*[：:]\s*(.*?)\s*(?:觉醒后|魔女化后|after)\s*[：:]\s*(.*)`)
	simpleAbilityPattern   = regexp.MustCompile(`(?s)前\s*[：:]\s*(.*?)\s*后\s*[：:]\s*(.*)`)
	paragraphBreak         = regexp.MustCompile(`\n\s*\n`)
	abilityArrows          = []string{"→", "->", "=>"}
	abilityDelimiters      = []string{"；", ";", "|"}
)

// SplitAbility 把能力描述拆为觉醒前与觉醒后两部分，无法拆分时全部归入觉醒前
func SplitAbility(ability string) (pre, post string) {
	text := strings.TrimSpace(ability)
	if text == "" {
		return "", ""
	}
	if m := explicitAbilityPattern.FindStringSubmatch(text); m != nil {
		return trimAbilityPart(m[1]), trimAbilityPart(m[2])
	}
	if m := simpleAbilityPattern.FindStringSubmatch(text); m != nil {
		return trimAbilityPart(m[1]), trimAbilityPart(m[2])
	}
	for _, arrow := range abilityArrows {
		if before, after, ok := strings.Cut(text, arrow); ok {
			return strings.TrimSpace(before), strings.TrimSpace(after)
		}
	}
	if loc := paragraphBreak.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]]), strings.TrimSpace(text[loc[1]:])
	}

	cut := -1
	width := 0
	for _, d := range abilityDelimiters {
		if i := strings.Index(text, d); i >= 0 && (cut < 0 || i < cut) {
			cut, width = i, len(d)
		}
	}
	if cut >= 0 {
		return strings.TrimSpace(text[:cut]), strings.TrimSpace(text[cut+width:])
	}
	return text, ""
}

// trimAbilityPart 去掉标签之间残留的分隔符
func trimAbilityPart(part string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(part), "；;，,|"))
}
