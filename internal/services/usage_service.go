// internal/services/usage_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// UsageStats 模型调用用量
type UsageStats struct {
	TodayCalls    int            `json:"todayCalls"`
	TodayFailures int            `json:"todayFailures"`
	MonthlyTokens int            `json:"monthlyTokens"`
	DailyCalls    map[string]int `json:"dailyCalls"`
	MonthlyUsage  map[string]int `json:"monthlyTokensByMonth"`
	LastUpdated   time.Time      `json:"lastUpdated"`
}

func newUsageStats(now time.Time) *UsageStats {
	return &UsageStats{
		DailyCalls:   make(map[string]int),
		MonthlyUsage: make(map[string]int),
		LastUpdated:  now,
	}
}

// UsageService 统计模型调用次数与 token 用量；statsFile 为空时只保存在内存
type UsageService struct {
	statsFile    string
	mutex        sync.Mutex
	stats        *UsageStats
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration
	now          func() time.Time
	logger       *utils.Logger
}

// NewUsageService 创建用量统计，dataDir 非空时持久化到 dataDir/stats
func NewUsageService(dataDir string) *UsageService {
	s := &UsageService{
		saveInterval: 30 * time.Second,
		now:          time.Now,
		logger:       utils.GetLogger(),
	}
	if dataDir != "" {
		dir := filepath.Join(dataDir, "stats")
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.logger.Warn("创建统计目录失败，用量只保存在内存", map[string]interface{}{"error": err})
		} else {
			s.statsFile = filepath.Join(dir, "usage_stats.json")
		}
	}
	s.stats = s.load()
	return s
}

func (s *UsageService) load() *UsageStats {
	if s.statsFile == "" {
		return newUsageStats(s.now())
	}
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return newUsageStats(s.now())
	}
	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		s.logger.Warn("统计文件损坏，重新计数", map[string]interface{}{"error": err})
		return newUsageStats(s.now())
	}
	if stats.DailyCalls == nil {
		stats.DailyCalls = make(map[string]int)
	}
	if stats.MonthlyUsage == nil {
		stats.MonthlyUsage = make(map[string]int)
	}
	return &stats
}

// rollPeriod 跨天或跨月时重置当期计数
func (s *UsageService) rollPeriod(now time.Time) {
	if now.Format("2006-01-02") != s.stats.LastUpdated.Format("2006-01-02") {
		s.stats.TodayCalls = 0
		s.stats.TodayFailures = 0
	}
	if now.Format("2006-01") != s.stats.LastUpdated.Format("2006-01") {
		s.stats.MonthlyTokens = 0
	}
}

// Record 记录一次补全
func (s *UsageService) Record(ok bool, tokens int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	s.rollPeriod(now)
	s.stats.TodayCalls++
	if !ok {
		s.stats.TodayFailures++
	}
	s.stats.MonthlyTokens += tokens
	s.stats.DailyCalls[now.Format("2006-01-02")]++
	s.stats.MonthlyUsage[now.Format("2006-01")] += tokens
	s.stats.LastUpdated = now
	s.isDirty = true

	if now.Sub(s.lastSaveTime) > s.saveInterval {
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("保存用量统计失败", map[string]interface{}{"error": err})
		}
	}
}

// Stats 返回当前统计的副本
func (s *UsageService) Stats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rollPeriod(s.now())
	return &UsageStats{
		TodayCalls:    s.stats.TodayCalls,
		TodayFailures: s.stats.TodayFailures,
		MonthlyTokens: s.stats.MonthlyTokens,
		DailyCalls:    maps.Clone(s.stats.DailyCalls),
		MonthlyUsage:  maps.Clone(s.stats.MonthlyUsage),
		LastUpdated:   s.stats.LastUpdated,
	}
}

func (s *UsageService) saveLocked() error {
	if !s.isDirty || s.statsFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化用量统计失败: %w", err)
	}
	tmp := s.statsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("写入用量统计失败: %w", err)
	}
	if err := os.Rename(tmp, s.statsFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换用量统计失败: %w", err)
	}
	s.isDirty = false
	s.lastSaveTime = s.now()
	return nil
}

// Close 保存尚未落盘的数据
func (s *UsageService) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.saveLocked()
}

// MeteredClient 在每次补全后记录用量
type MeteredClient struct {
	next  LLMClient
	usage *UsageService
}

// NewMeteredClient 包装模型客户端
func NewMeteredClient(next LLMClient, usage *UsageService) *MeteredClient {
	return &MeteredClient{next: next, usage: usage}
}

// Complete 实现 LLMClient
func (m *MeteredClient) Complete(ctx context.Context, creds llm.Credentials, req llm.CompletionRequest) llm.CompletionResult {
	res := m.next.Complete(ctx, creds, req)
	tokens := 0
	if res.Usage != nil {
		tokens = res.Usage.TotalTokens
	}
	m.usage.Record(res.OK, tokens)
	return res
}
