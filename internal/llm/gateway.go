// internal/llm/gateway.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lianues/manosaba-ai/internal/utils"
)

// GatewayOptions 网关参数
type GatewayOptions struct {
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// Gateway 为每次补全选择提供者、施加超时并记录追踪与指标
type Gateway struct {
	opts    GatewayOptions
	tracer  trace.Tracer
	metrics *utils.APIMetrics
	logger  *utils.Logger
}

// NewGateway 创建网关
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &Gateway{
		opts:    opts,
		tracer:  otel.Tracer("github.com/Lianues/manosaba-ai/internal/llm"),
		metrics: utils.NewAPIMetrics(),
		logger:  utils.GetLogger(),
	}
}

// Complete 发出一次补全请求，所有失败都编码在结果中
func (g *Gateway) Complete(ctx context.Context, creds Credentials, req CompletionRequest) CompletionResult {
	providerName := creds.ProviderName()
	ctx, span := g.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.provider", providerName),
		attribute.String("llm.model", creds.Model),
		attribute.Int("llm.prompt_chars", len(req.Prompt)),
	))
	defer span.End()

	if missing := creds.MissingFields(); len(missing) > 0 {
		res := Failure(0, "", fmt.Sprintf("缺少凭据: %v", missing))
		span.SetStatus(codes.Error, res.Message)
		return res
	}

	provider, err := GetProvider(providerName, creds.config())
	if err != nil {
		res := Failure(0, "", fmt.Sprintf("初始化提供者 %s 失败: %v", providerName, err))
		span.SetStatus(codes.Error, res.Message)
		return res
	}

	if req.Temperature == nil {
		t := g.opts.Temperature
		req.Temperature = &t
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.opts.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	start := time.Now()
	res := provider.CompleteText(callCtx, req)
	duration := time.Since(start)

	if !res.OK && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.Message = fmt.Sprintf("LLM 调用超时（%s）", g.opts.Timeout)
	}
	res.Provider = providerName
	if res.Model == "" {
		res.Model = creds.Model
	}

	tokens := 0
	if res.Usage != nil {
		tokens = res.Usage.TotalTokens
	}
	g.metrics.RecordLLMRequest(providerName, creds.Model, res.OK, tokens, duration)

	span.SetAttributes(
		attribute.Bool("llm.ok", res.OK),
		attribute.Int("llm.status_code", res.StatusCode),
		attribute.String("llm.finish_reason", res.FinishReason),
		attribute.Int("llm.total_tokens", tokens),
	)
	if !res.OK {
		span.SetStatus(codes.Error, res.Message)
		g.logger.Warn("LLM 调用失败", map[string]interface{}{
			"provider":    providerName,
			"model":       creds.Model,
			"status_code": res.StatusCode,
			"timed_out":   res.TimedOut,
			"message":     res.Message,
		})
	}
	return res
}
