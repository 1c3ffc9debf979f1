// internal/llm/providers/gemini/gemini.go
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/Lianues/manosaba-ai/internal/llm"
)

func init() {
	llm.Register("gemini", func() llm.Provider {
		return &Provider{}
	})
}

// Provider Gemini API（google.golang.org/genai）
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
}

func (p *Provider) Initialize(config map[string]string) error {
	p.apiKey = config["api_key"]
	if p.apiKey == "" {
		return errors.New("Gemini API密钥未提供")
	}
	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		return errors.New("模型未提供")
	}
	p.baseURL = strings.TrimRight(strings.TrimSpace(config["base_url"]), "/")
	return nil
}

func (p *Provider) GetName() string {
	return "gemini"
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) llm.CompletionResult {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return llm.Failure(0, "", fmt.Sprintf("创建Gemini客户端失败: %v", err))
	}

	genConfig := &genai.GenerateContentConfig{Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := client.Models.GenerateContent(ctx, p.defaultModel,
		[]*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)},
		genConfig)
	if err != nil {
		return failureFromError(err)
	}

	res := llm.CompletionResult{OK: true, StatusCode: 200, Text: resp.Text(), Model: p.defaultModel}
	if len(resp.Candidates) > 0 {
		res.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		res.Usage = &llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if raw, err := json.Marshal(resp); err == nil {
		res.RawBody = string(raw)
	}
	return res
}

// failureFromError 把 APIError 映射为带状态码的失败结果
func failureFromError(err error) llm.CompletionResult {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.Failure(apiErr.Code, apiErr.Message, fmt.Sprintf("Gemini返回错误状态 %d: %s", apiErr.Code, apiErr.Status))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return llm.Failure(apiErrPtr.Code, apiErrPtr.Message, fmt.Sprintf("Gemini返回错误状态 %d: %s", apiErrPtr.Code, apiErrPtr.Status))
	}
	return llm.Failure(0, "", fmt.Sprintf("请求Gemini失败: %v", err))
}
