package services

import (
	"context"
	"testing"
	"time"

	"github.com/Lianues/manosaba-ai/internal/llm"
)

func TestMeteredClientRecordsUsage(t *testing.T) {
	usage := NewUsageService("")
	client := NewMeteredClient(&fakeLLM{reply: func(p string) llm.CompletionResult {
		if p == "fail" {
			return llm.Failure(500, "", "boom")
		}
		return llm.CompletionResult{OK: true, Text: "ok", Usage: &llm.Usage{TotalTokens: 42}}
	}}, usage)

	client.Complete(context.Background(), testCreds, llm.CompletionRequest{Prompt: "hi"})
	client.Complete(context.Background(), testCreds, llm.CompletionRequest{Prompt: "fail"})

	stats := usage.Stats()
	if stats.TodayCalls != 2 || stats.TodayFailures != 1 {
		t.Errorf("调用计数错误: %+v", stats)
	}
	if stats.MonthlyTokens != 42 {
		t.Errorf("token 用量应为 42，实际 %d", stats.MonthlyTokens)
	}
}

func TestUsagePersistsAndRollsOver(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	usage := NewUsageService(dir)
	usage.now = func() time.Time { return day }
	usage.Record(true, 10)
	if err := usage.Close(); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	reloaded := NewUsageService(dir)
	reloaded.now = func() time.Time { return day }
	if got := reloaded.Stats(); got.TodayCalls != 1 || got.MonthlyTokens != 10 {
		t.Fatalf("重新加载后数据错误: %+v", got)
	}

	// 跨月后当期计数清零，历史保留
	reloaded.now = func() time.Time { return day.Add(24 * time.Hour) }
	got := reloaded.Stats()
	if got.TodayCalls != 0 || got.MonthlyTokens != 0 {
		t.Errorf("跨月后应重置: %+v", got)
	}
	if got.DailyCalls["2026-03-31"] != 1 || got.MonthlyUsage["2026-03"] != 10 {
		t.Errorf("历史数据应保留: %+v", got)
	}
}
