// internal/prompt/templates.go
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/templates.yaml
var defaultTemplatesYAML []byte

//go:embed prompts/reference.md
var defaultReference string

// 问答模板名称
const (
	TemplateBase            = "base"
	TemplateWithInstruction = "withInstruction"
)

// Templates 所有提示模板，作为数据加载
type Templates struct {
	Base                  string `yaml:"base"`
	WithInstruction       string `yaml:"withInstruction"`
	CompletionInstruction string `yaml:"completionInstruction"`
	Outline               string `yaml:"outline"`
	Section               string `yaml:"section"`
}

// Named 按名称返回问答模板
func (t *Templates) Named(name string) string {
	if name == TemplateWithInstruction {
		return t.WithInstruction
	}
	return t.Base
}

func (t *Templates) validate() error {
	var missing []string
	if strings.TrimSpace(t.Base) == "" {
		missing = append(missing, TemplateBase)
	}
	if strings.TrimSpace(t.WithInstruction) == "" {
		missing = append(missing, TemplateWithInstruction)
	}
	if strings.TrimSpace(t.Outline) == "" {
		missing = append(missing, "outline")
	}
	if strings.TrimSpace(t.Section) == "" {
		missing = append(missing, "section")
	}
	if len(missing) > 0 {
		return fmt.Errorf("模板缺失: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DefaultTemplates 返回内置模板
func DefaultTemplates() *Templates {
	t, err := ParseTemplates(defaultTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("内置模板无效: %v", err))
	}
	return t
}

// ParseTemplates 从 YAML 解析模板
func ParseTemplates(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("解析模板失败: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTemplates 从文件加载模板，path 为空时使用内置模板
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模板文件失败: %w", err)
	}
	return ParseTemplates(data)
}

// LoadReference 读取世界观参考资料，path 为空时使用内置资料
func LoadReference(path string) (string, error) {
	if path == "" {
		return defaultReference, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("读取参考资料失败: %w", err)
	}
	return string(data), nil
}
