// internal/models/character.go
package models

// QAItem 问卷中的一问一答
type QAItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// CharacterProfile 精简人物档案（外貌 + 喜好）
type CharacterProfile struct {
	Appearance  string `json:"appearance"`
	Preferences string `json:"preferences"`
}

// CharacterCompletion 完整人物设定，字段名即序列化时的标签名
type CharacterCompletion struct {
	Name              string `json:"name"`
	Age               string `json:"age"`
	AppearanceClothes string `json:"appearanceClothes"`
	MagicPre          string `json:"magicPre"`
	MagicPost         string `json:"magicPost"`
	TragicStory       string `json:"tragicStory"`
	Personality       string `json:"personality"`
	OriginalSin       string `json:"originalSin"`
}

// 人物记录来源
const (
	SourceDirect     = "direct"
	SourceCompletion = "completion"
	SourceFixed      = "fixed"
)

// CharacterRecord 会话中的一条人物记录，生成后不再修改
type CharacterRecord struct {
	RoleID string `json:"roleId"`
	CharacterCompletion
	Fixed  bool   `json:"fixed"`
	Source string `json:"source"`
}

// RoleQuestionnaire 单个角色的七项问卷
type RoleQuestionnaire struct {
	RoleID            string `json:"roleId"`
	Name              string `json:"name"`
	Age               string `json:"age"`
	AppearanceClothes string `json:"appearanceClothes"`
	Ability           string `json:"ability"`
	TragicStory       string `json:"tragicStory"`
	Personality       string `json:"personality"`
	OriginalSin       string `json:"originalSin"`
}

// MissingFields 返回未填写的问卷字段名
func (q RoleQuestionnaire) MissingFields() []string {
	var missing []string
	check := func(name, value string) {
		if isBlank(value) {
			missing = append(missing, name)
		}
	}
	check("name", q.Name)
	check("age", q.Age)
	check("appearanceClothes", q.AppearanceClothes)
	check("ability", q.Ability)
	check("tragicStory", q.TragicStory)
	check("personality", q.Personality)
	check("originalSin", q.OriginalSin)
	return missing
}

// QAItems 按固定顺序把问卷转换为问答列表
func (q RoleQuestionnaire) QAItems() []QAItem {
	return []QAItem{
		{Question: "角色名字", Answer: q.Name},
		{Question: "年龄", Answer: q.Age},
		{Question: "外貌与服装", Answer: q.AppearanceClothes},
		{Question: "魔法能力（觉醒前后）", Answer: q.Ability},
		{Question: "悲惨经历", Answer: q.TragicStory},
		{Question: "性格", Answer: q.Personality},
		{Question: "原罪", Answer: q.OriginalSin},
	}
}

// FixedRoleName 固定叙事角色的名字
const FixedRoleName = "典狱长"

// FixedRole 返回注入每个角色列表的固定叙事角色
func FixedRole() CharacterRecord {
	return CharacterRecord{
		RoleID: "fixed-warden",
		CharacterCompletion: CharacterCompletion{
			Name:              FixedRoleName,
			Age:               "不详",
			AppearanceClothes: "身披黑色法官袍的猫头鹰，胸前挂着铜制怀表，眼睛在暗处泛着金光。",
			MagicPre:          "能够宣读审判规则，令所有人无法离开岛上的牢狱。",
			MagicPost:         "在魔女审判中担任主持与裁决，被判定为魔女者将被处刑。",
			TragicStory:       "没有人知道它从何而来，只知道每一次审判都由它宣布开始。",
			Personality:       "彬彬有礼却冷酷无情，说话拖长语调，享受少女们的恐惧。",
			OriginalSin:       "旁观。",
		},
		Fixed:  true,
		Source: SourceFixed,
	}
}
