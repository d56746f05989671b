// Package middleware holds gin middleware for the intake API.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitConfig defines a token-bucket limit.
type RateLimitConfig struct {
	// Requests allowed per Window.
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`

	// KeyFunc derives the bucket key from the request. Defaults to
	// client IP.
	KeyFunc func(*gin.Context) string `json:"-"`
}

// RateLimiter tracks per-client token buckets in memory. Intake is the
// hot path, so the limiter never touches the network; each API
// instance enforces its own share of the limit.
type RateLimiter struct {
	mu         sync.RWMutex
	limits     map[string]*RateLimitConfig
	defaultCfg *RateLimitConfig
	buckets    map[string]*tokenBucket
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter with the given default. Nil gets
// 100 requests per minute keyed by client IP.
func NewRateLimiter(defaultCfg *RateLimitConfig) *RateLimiter {
	if defaultCfg == nil {
		defaultCfg = &RateLimitConfig{Requests: 100, Window: time.Minute}
	}
	if defaultCfg.KeyFunc == nil {
		defaultCfg.KeyFunc = byClientIP
	}
	rl := &RateLimiter{
		limits:     make(map[string]*RateLimitConfig),
		defaultCfg: defaultCfg,
		buckets:    make(map[string]*tokenBucket),
	}
	go rl.sweep()
	return rl
}

// AddLimit overrides the limit for one path.
func (rl *RateLimiter) AddLimit(path string, cfg *RateLimitConfig) {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = byClientIP
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limits[path] = cfg
}

// Middleware enforces the limit and sets the X-RateLimit headers.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := rl.configFor(c.Request.URL.Path)
		key := cfg.KeyFunc(c)

		allowed, remaining, retryAfter := rl.take(key, cfg)

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// take consumes one token from the key's bucket.
func (rl *RateLimiter) take(key string, cfg *RateLimitConfig) (allowed bool, remaining, retryAfter int) {
	bucket := rl.bucketFor(key, cfg)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	refill := int(float64(cfg.Requests) * (float64(elapsed) / float64(cfg.Window)))
	if refill > 0 {
		bucket.tokens = min(bucket.maxTokens, bucket.tokens+refill)
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true, bucket.tokens, 0
	}

	retryAfter = int(cfg.Window.Seconds()) / cfg.Requests
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

func (rl *RateLimiter) bucketFor(key string, cfg *RateLimitConfig) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b := &tokenBucket{
		tokens:     cfg.Requests,
		maxTokens:  cfg.Requests,
		lastRefill: time.Now(),
	}
	rl.buckets[key] = b
	return b
}

func (rl *RateLimiter) configFor(path string) *RateLimitConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if cfg, ok := rl.limits[path]; ok {
		return cfg
	}
	return rl.defaultCfg
}

// sweep drops buckets idle for ten minutes.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, b := range rl.buckets {
			b.mu.Lock()
			idle := now.Sub(b.lastRefill) > 10*time.Minute
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func byClientIP(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
