// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Lianues/manosaba-ai/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{client: &http.Client{}}
	})
}

// Provider OpenAI chat-completions 兼容接口
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewProvider 使用自定义 http.Client 创建提供者
func NewProvider(client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{client: client}
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("API密钥未提供")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config["base_url"]), "/")
	if baseURL == "" {
		return errors.New("Base URL 未提供")
	}
	model := config["default_model"]
	if model == "" {
		return errors.New("模型未提供")
	}

	p.apiKey = apiKey
	p.baseURL = baseURL
	p.defaultModel = model
	if p.client == nil {
		p.client = &http.Client{}
	}
	return nil
}

func (p *Provider) GetName() string {
	return "openai"
}

// endpoint 允许 baseURL 直接写到 /chat/completions
func (p *Provider) endpoint() string {
	if strings.HasSuffix(p.baseURL, "/chat/completions") {
		return p.baseURL
	}
	return p.baseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// maxResponseBytes 响应体读取上限
var maxResponseBytes int64 = 16 << 20

type chatChoice struct {
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Text         json.RawMessage `json:"text"`
	FinishReason json.RawMessage `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     float64 `json:"prompt_tokens"`
	CompletionTokens float64 `json:"completion_tokens"`
	TotalTokens      float64 `json:"total_tokens"`
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) llm.CompletionResult {
	body := chatRequest{
		Model:       p.defaultModel,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return llm.Failure(0, "", fmt.Sprintf("序列化请求失败: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(jsonData))
	if err != nil {
		return llm.Failure(0, "", fmt.Sprintf("创建请求失败: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.Failure(0, "", fmt.Sprintf("请求LLM服务失败: %v", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return llm.Failure(httpResp.StatusCode, "", fmt.Sprintf("读取响应失败: %v", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return llm.Failure(httpResp.StatusCode, string(raw), fmt.Sprintf("LLM服务返回错误状态 %d", httpResp.StatusCode))
	}

	return normalize(raw)
}

// normalize 解析成功响应；只有不是合法 JSON 时整个响应体才作为文本
func normalize(raw []byte) llm.CompletionResult {
	res := llm.CompletionResult{OK: true, StatusCode: http.StatusOK, RawBody: string(raw)}

	if !json.Valid(raw) {
		res.Text = string(raw)
		return res
	}

	// 各字段分别解析，单个字段类型不符不影响其余字段
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return res
	}

	res.Model = stringField(fields["model"])
	var usage chatUsage
	if len(fields["usage"]) > 0 && json.Unmarshal(fields["usage"], &usage) == nil {
		res.Usage = &llm.Usage{
			PromptTokens:     int(usage.PromptTokens),
			CompletionTokens: int(usage.CompletionTokens),
			TotalTokens:      int(usage.TotalTokens),
		}
	}

	var choices []json.RawMessage
	if len(fields["choices"]) > 0 && json.Unmarshal(fields["choices"], &choices) == nil && len(choices) > 0 {
		var first chatChoice
		if json.Unmarshal(choices[0], &first) == nil {
			res.FinishReason = stringField(first.FinishReason)
			if first.Message != nil {
				if text, ok := contentText(first.Message.Content); ok {
					res.Text = text
					return res
				}
			}
			if text, ok := stringValue(first.Text); ok {
				res.Text = text
				return res
			}
		}
	}
	if text, ok := stringValue(fields["output_text"]); ok {
		res.Text = text
	}
	return res
}

func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func stringField(raw json.RawMessage) string {
	s, _ := stringValue(raw)
	return s
}

// contentText 支持字符串与分段数组两种 content
func contentText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		return b.String(), true
	}
	return "", false
}
