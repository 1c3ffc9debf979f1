// internal/observability/otel.go
package observability

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Lianues/manosaba-ai/internal/utils"
)

// ShutdownFunc 刷新并关闭追踪导出器
type ShutdownFunc func(context.Context) error

// Options 追踪配置
type Options struct {
	ServiceName string
	Enabled     bool
	// Writer 为空时写到标准输出
	Writer io.Writer
}

func noopShutdown(context.Context) error { return nil }

// InitOTel 安装全局 TracerProvider；未启用时返回空操作
func InitOTel(ctx context.Context, opts Options) ShutdownFunc {
	logger := utils.GetLogger()
	if !opts.Enabled {
		return noopShutdown
	}

	serviceName := strings.TrimSpace(opts.ServiceName)
	if serviceName == "" {
		serviceName = "manosaba-ai"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		logger.Warn("otel 资源初始化失败，继续运行", map[string]interface{}{"error": err})
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Writer != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(opts.Writer))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		logger.Warn("otel 导出器初始化失败，追踪已关闭", map[string]interface{}{"error": err})
		return noopShutdown
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("otel 追踪已启用", map[string]interface{}{"service": serviceName})
	return tp.Shutdown
}

// sampleRatio 读取 OTEL_SAMPLER_RATIO，默认全部采样
func sampleRatio() float64 {
	raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if raw == "" {
		return 1
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 1
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
