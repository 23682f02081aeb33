package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter 一组按客户端 IP 划分的令牌桶
type limiter struct {
	prefix string
	rpm    int
	burst  int

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newLimiter(prefix string, rpm, burst int) *limiter {
	return &limiter{prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow()
}

// RateLimit 按客户端 IP 限流；路径前缀命中覆盖配置时使用对应限额，否则使用全局限额
func RateLimit(cfg config.RateLimitingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiter
	for _, p := range cfg.Paths {
		if p.Prefix == "" || p.RequestsPerMinute <= 0 {
			continue
		}
		paths = append(paths, newLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiter
	if cfg.RequestsPerMinute > 0 {
		global = newLimiter("global", cfg.RequestsPerMinute, cfg.Burst)
	}
	whitelist := make(map[string]bool, len(cfg.WhitelistIPs))
	for _, ip := range cfg.WhitelistIPs {
		whitelist[ip] = true
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if whitelist[key] {
			c.Next()
			return
		}

		l := global
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				l = pl
				break
			}
		}
		if l != nil && !l.allow(key) {
			metrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "rate limit exceeded",
				"timestamp": time.Now().UTC(),
			})
			return
		}
		c.Next()
	}
}
