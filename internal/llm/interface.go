// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// DefaultProvider 未指定时使用的提供者
const DefaultProvider = "openai"

// Credentials 每个请求携带的调用凭据，服务端不保存
type Credentials struct {
	APIKey   string `json:"-"`
	BaseURL  string `json:"baseUrl"`
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
}

// MissingFields 返回缺失的凭据字段
func (c Credentials) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		missing = append(missing, "baseUrl")
	}
	if strings.TrimSpace(c.Model) == "" {
		missing = append(missing, "model")
	}
	return missing
}

// ProviderName 返回提供者名称，缺省为 openai
func (c Credentials) ProviderName() string {
	if p := strings.ToLower(strings.TrimSpace(c.Provider)); p != "" {
		return p
	}
	return DefaultProvider
}

// config 转换为提供者初始化参数
func (c Credentials) config() map[string]string {
	return map[string]string{
		"api_key":       c.APIKey,
		"base_url":      c.BaseURL,
		"default_model": c.Model,
	}
}

// CompletionRequest 一次补全请求
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResult 归一化的补全结果；失败同样以结果返回，而不是 error
type CompletionResult struct {
	OK           bool   `json:"ok"`
	Text         string `json:"text"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	RawBody      string `json:"rawBody,omitempty"`
	Message      string `json:"message,omitempty"`
	TimedOut     bool   `json:"timedOut,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Failure 构造失败结果
func Failure(statusCode int, rawBody, message string) CompletionResult {
	return CompletionResult{StatusCode: statusCode, RawBody: rawBody, Message: message}
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置（api_key, base_url, default_model）
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 发出一次非流式补全请求
	CompleteText(ctx context.Context, req CompletionRequest) CompletionResult
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	providers   = make(map[string]ProviderFactory)
	providersMu sync.RWMutex
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[strings.ToLower(name)] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	providersMu.RLock()
	factory, exists := providers[strings.ToLower(name)]
	providersMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
