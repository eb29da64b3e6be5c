package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"chatassign/internal/config"
	appmetrics "chatassign/internal/metrics"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
)

// tokenBucket is a simple token bucket for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	tokens     float64
	lastRefill time.Time
	ratePerSec float64 // tokens per second
	burst      float64
}

func newBucket(clk clock.Clock, rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		clock:      clk,
		tokens:     float64(burst),
		lastRefill: clk.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
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

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     config.PathRateLimitConfig
	label   string
}

func newLimiter(cfg config.PathRateLimitConfig, label string) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), cfg: cfg, label: label}
}

func (l *limiter) bucket(clk clock.Clock, key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(clk, l.cfg.RequestsPerMinute, l.cfg.Burst)
	l.buckets[key] = b
	return b
}

// RateLimitMiddleware 按客户端（KeyHeader 或 IP）限流；Paths 中第一个匹配前缀的配置优先于全局配置。
// 被拒绝的请求计入 metrics 的 rate limit 计数。
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return RateLimitMiddlewareWithClock(cfg, clock.New())
}

func RateLimitMiddlewareWithClock(cfg *config.Config, clk clock.Clock) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newLimiter(p, p.Prefix))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		}, "global")
	}

	extractKey := func(c *gin.Context) (string, bool) {
		if rl.KeyHeader != "" {
			if v := c.GetHeader(rl.KeyHeader); v != "" {
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					v = strings.TrimSpace(strings.Split(v, ",")[0])
				}
				return v, true
			}
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		return ip, false
	}

	reject := func(c *gin.Context, l *limiter) {
		appmetrics.IncRateLimitDrop(l.label)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": "rate limit exceeded",
		})
	}

	return func(c *gin.Context) {
		key, fromHeader := extractKey(c)
		if fromHeader && contains(rl.WhitelistKeys, key) {
			c.Next()
			return
		}
		if !fromHeader && contains(rl.WhitelistIPs, key) {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		for _, l := range paths {
			if strings.HasPrefix(path, l.cfg.Prefix) {
				if !l.bucket(clk, key).allow() {
					reject(c, l)
					return
				}
				c.Next()
				return
			}
		}
		if global != nil && !global.bucket(clk, key).allow() {
			reject(c, global)
			return
		}
		c.Next()
	}
}

func contains(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}
