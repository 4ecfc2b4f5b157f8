package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/prohmpiriya/rentsync/pkg/response"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate limit per second per key (0 = unlimited)
	RequestsPerSecond int
	// Burst size (token bucket capacity)
	BurstSize int
	// RedisClient switches to a limiter shared by every replica
	RedisClient *goredis.Client
	// Key prefix for Redis
	KeyPrefix string
	// KeyFunc picks the bucket for a request; defaults to the client IP
	KeyFunc func(c *gin.Context) string
	// Cleanup interval for local rate limiter
	CleanupInterval time.Duration
	// Entry TTL for local rate limiter
	EntryTTL time.Duration
}

// DefaultRateLimitConfig returns defaults sized for the payment webhook
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		KeyPrefix:         "ratelimit:",
		CleanupInterval:   time.Minute,
		EntryTTL:          time.Minute,
	}
}

type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// LocalRateLimiter implements in-memory token bucket rate limiting
type LocalRateLimiter struct {
	config  RateLimitConfig
	entries sync.Map
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once

	totalAllowed  uint64
	totalRejected uint64
}

// NewLocalRateLimiter creates a new local rate limiter and starts its cleanup loop
func NewLocalRateLimiter(config RateLimitConfig) *LocalRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.EntryTTL <= 0 {
		config.EntryTTL = time.Minute
	}
	rl := &LocalRateLimiter{
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks if a request should be allowed
func (rl *LocalRateLimiter) Allow(key string) bool {
	if rl.config.RequestsPerSecond <= 0 {
		return true
	}
	now := rl.now()

	entry, _ := rl.entries.LoadOrStore(key, &rateLimitEntry{
		tokens:     float64(rl.config.BurstSize),
		lastUpdate: now,
	})
	e := entry.(*rateLimitEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := now.Sub(e.lastUpdate).Seconds()
	e.tokens = min(float64(rl.config.BurstSize), e.tokens+elapsed*float64(rl.config.RequestsPerSecond))
	e.lastUpdate = now

	if e.tokens >= 1 {
		e.tokens--
		atomic.AddUint64(&rl.totalAllowed, 1)
		return true
	}

	atomic.AddUint64(&rl.totalRejected, 1)
	return false
}

// GetStats returns rate limiter statistics
func (rl *LocalRateLimiter) GetStats() (allowed, rejected uint64) {
	return atomic.LoadUint64(&rl.totalAllowed), atomic.LoadUint64(&rl.totalRejected)
}

func (rl *LocalRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict(rl.now().Add(-rl.config.EntryTTL))
		case <-rl.stop:
			return
		}
	}
}

func (rl *LocalRateLimiter) evict(cutoff time.Time) {
	rl.entries.Range(func(key, value interface{}) bool {
		e := value.(*rateLimitEntry)
		e.mu.Lock()
		if e.lastUpdate.Before(cutoff) {
			rl.entries.Delete(key)
		}
		e.mu.Unlock()
		return true
	})
}

// Stop stops the cleanup goroutine
func (rl *LocalRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// tokenBucketScript refills and takes one token atomically
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_update")
local tokens = tonumber(data[1]) or burst
local last_update = tonumber(data[2]) or now

tokens = math.min(burst, tokens + (now - last_update) * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end
redis.call("HSET", key, "tokens", tokens, "last_update", now)
redis.call("EXPIRE", key, 60)
return allowed
`)

// RedisRateLimiter implements Redis-based distributed rate limiting
type RedisRateLimiter struct {
	config RateLimitConfig
}

// NewRedisRateLimiter creates a new Redis rate limiter
func NewRedisRateLimiter(config RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{config: config}
}

// Allow checks if a request should be allowed using Redis
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	allowed, err := tokenBucketScript.Run(ctx, rl.config.RedisClient,
		[]string{rl.config.KeyPrefix + key},
		rl.config.RequestsPerSecond,
		rl.config.BurstSize,
		now,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return allowed == 1, nil
}

// RateLimiter creates a rate limiting middleware. Redis errors fail open.
func RateLimiter(config RateLimitConfig) gin.HandlerFunc {
	var localLimiter *LocalRateLimiter
	var redisLimiter *RedisRateLimiter

	if config.RedisClient != nil {
		redisLimiter = NewRedisRateLimiter(config)
	} else {
		localLimiter = NewLocalRateLimiter(config)
	}
	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		key := keyFunc(c)

		var allowed bool
		if redisLimiter != nil {
			var err error
			allowed, err = redisLimiter.Allow(c.Request.Context(), key)
			if err != nil {
				allowed = true
			}
		} else {
			allowed = localLimiter.Allow(key)
		}

		remaining := config.BurstSize - 1
		if !allowed {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerSecond))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				response.TooManyRequests("Rate limit exceeded. Please retry after 1 second(s)."))
			return
		}

		c.Next()
	}
}
