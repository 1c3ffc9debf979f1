// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 存储后端
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port           string
	DataDir        string
	LogDir         string
	DebugMode      bool
	AllowedOrigins []string

	// LLM调用参数（凭据由每个请求携带，服务端不保存）
	LLMTimeout            time.Duration
	LLMTemperature        float32
	LLMMaxTokens          int
	CompletionConcurrency int

	// 存储
	StoreBackend string
	StoreTTL     time.Duration
	RedisAddr    string
	HistoryDB    string

	// 内容资源
	ReferenceDoc string
	PromptsFile  string
	PDFFont      string

	// 运维
	OTelEnabled     bool
	RateLimitPerMin int
}

// Load 从 .env 与环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8000"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", false),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3002")),

		LLMTimeout:            getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		LLMTemperature:        float32(getEnvFloat("LLM_TEMPERATURE", 0.8)),
		LLMMaxTokens:          getEnvInt("LLM_MAX_TOKENS", 8192),
		CompletionConcurrency: getEnvInt("COMPLETION_CONCURRENCY", 4),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		StoreTTL:     getEnvDuration("STORE_TTL", 24*time.Hour),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		HistoryDB:    getEnv("HISTORY_DB", ""),

		ReferenceDoc: getEnv("REFERENCE_DOC", ""),
		PromptsFile:  getEnv("PROMPTS_FILE", ""),
		PDFFont:      getEnv("PDF_FONT", ""),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 120),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		return fmt.Errorf("未知的存储后端: %s", c.StoreBackend)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT 必须大于0")
	}
	if c.CompletionConcurrency < 1 {
		return fmt.Errorf("COMPLETION_CONCURRENCY 必须至少为1")
	}
	if c.LLMMaxTokens < 0 {
		return fmt.Errorf("LLM_MAX_TOKENS 不能为负数")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数环境变量，无法解析时返回默认值
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("警告: %s 不是有效整数: %s\n", key, value)
		return defaultValue
	}
	return n
}

// getEnvFloat 获取浮点环境变量
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		fmt.Printf("警告: %s 不是有效数字: %s\n", key, value)
		return defaultValue
	}
	return f
}

// getEnvDuration 获取时长环境变量，支持 "90s" 与纯秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	fmt.Printf("警告: %s 不是有效时长: %s\n", key, value)
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
