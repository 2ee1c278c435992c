// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter 固定窗口限流器
// 对话运行会占用LLM配额，启动接口需要限流保护
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorWindow
}

type visitorWindow struct {
	remaining int
	reset     time.Time
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitorWindow),
	}
	go rl.cleanup()
	return rl
}

// cleanup 定期清理过期窗口
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.visitors {
			if now.After(window.reset) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// allow 判断本次请求是否放行，并返回剩余额度与窗口重置时间
func (rl *rateLimiter) allow(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[key]
	if !exists || now.After(v.reset) {
		v = &visitorWindow{remaining: limit - 1, reset: now.Add(window)}
		rl.visitors[key] = v
		return true, v.remaining, v.reset
	}

	if v.remaining <= 0 {
		return false, 0, v.reset
	}
	v.remaining--
	return true, v.remaining, v.reset
}

var globalRateLimiter = newRateLimiter()

// RateLimitByIP 基于客户端IP的限流中间件
func RateLimitByIP(limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		allowed, remaining, reset := globalRateLimiter.allow(key, limit, window)

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "リクエストが多すぎます。しばらく待ってから再試行してください",
				"code":      "RATE_LIMIT_EXCEEDED",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
