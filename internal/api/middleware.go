// internal/api/middleware.go
package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/llm"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// 凭据请求头
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderBaseURL     = "X-Base-URL"
	HeaderModel       = "X-Model"
	HeaderLLMProvider = "X-LLM-Provider"
	HeaderRequestID   = "X-Request-ID"

	requestIDKey = "request_id"
)

// RateLimiter implements a fixed window rate limiter keyed by client
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

// Visitor represents a client with rate limiting data
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		stop:     make(chan struct{}),
	}

	// Start cleanup goroutine to remove old entries
	go rl.cleanup(10 * time.Minute)

	return rl
}

// Stop terminates the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup removes visitors whose window has expired
func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, visitor := range rl.visitors {
				if now.After(visitor.Reset) {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Allow checks if a visitor is allowed to make a request
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.Reset) {
		rl.visitors[key] = &Visitor{
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(window),
		}
		return true
	}

	if visitor.Remaining <= 0 {
		return false
	}

	visitor.Remaining--
	return true
}

// GetRateLimitHeaders returns the rate limit headers
func (rl *RateLimiter) GetRateLimitHeaders(key string, limit int, window time.Duration) (int, int, int64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	visitor, exists := rl.visitors[key]
	if !exists {
		return limit, limit, time.Now().Add(window).Unix()
	}

	remaining := visitor.Remaining
	if remaining < 0 {
		remaining = 0
	}
	return limit, remaining, visitor.Reset.Unix()
}

// RateLimitByIP 按客户端 IP 限流；limit <= 0 时不限流
func RateLimitByIP(rl *RateLimiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		key := c.ClientIP()
		allowed := rl.Allow(key, limit, window)

		l, remaining, reset := rl.GetRateLimitHeaders(key, limit, window)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !allowed {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 为每个请求分配ID，优先沿用客户端传入的ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时与状态码
func MetricsMiddleware(metrics *utils.APIMetrics) gin.HandlerFunc {
	logger := utils.GetLogger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		duration := time.Since(start)
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), duration)
		logger.Debug("HTTP请求", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        endpoint,
			"status":      c.Writer.Status(),
			"duration_ms": duration.Milliseconds(),
			"request_id":  c.GetString(requestIDKey),
		})
	}
}

// credentialsFromRequest 从请求头读取本次调用的模型凭据
func credentialsFromRequest(c *gin.Context) llm.Credentials {
	return llm.Credentials{
		APIKey:   strings.TrimSpace(c.GetHeader(HeaderAPIKey)),
		BaseURL:  strings.TrimSpace(c.GetHeader(HeaderBaseURL)),
		Model:    strings.TrimSpace(c.GetHeader(HeaderModel)),
		Provider: strings.TrimSpace(c.GetHeader(HeaderLLMProvider)),
	}
}

// RequireCredentials 生成类接口要求携带完整凭据
func RequireCredentials() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := credentialsFromRequest(c)
		if missing := creds.MissingFields(); len(missing) > 0 {
			details := make(map[string]string, len(missing))
			headers := map[string]string{"apiKey": HeaderAPIKey, "baseUrl": HeaderBaseURL, "model": HeaderModel}
			for _, m := range missing {
				details[headers[m]] = "必填"
			}
			NewResponseHelper().ErrorWithData(c, http.StatusBadRequest, &APIError{
				Code:    ErrorCredentialsMissing,
				Type:    string(apperrors.ErrorTypeValidation),
				Message: "缺少模型调用凭据",
				Details: details,
			}, nil)
			c.Abort()
			return
		}
		c.Set(credentialsKey, creds)
		c.Next()
	}
}

const credentialsKey = "llm_credentials"

// credentials 读取中间件解析好的凭据
func credentials(c *gin.Context) llm.Credentials {
	if v, ok := c.Get(credentialsKey); ok {
		if creds, ok := v.(llm.Credentials); ok {
			return creds
		}
	}
	return credentialsFromRequest(c)
}
