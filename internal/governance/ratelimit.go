package governance

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig defines per-connection rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per connection key.
// Keys without a configured limit are never limited.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket)}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-key limits, keeping the fill level of buckets that survive.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*tokenBucket, len(config))
	for key, cfg := range config {
		if cfg.RequestsPerSecond <= 0 {
			continue
		}
		if bucket, ok := rl.buckets[key]; ok {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			next[key] = bucket
			continue
		}
		next[key] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
	}
	rl.buckets = next
}

// Allow consumes a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.take()
}

// AllowContext is Allow with a cancellation check.
func (rl *RateLimiter) AllowContext(ctx context.Context, key string) bool {
	if ctx.Err() != nil {
		return false
	}
	return rl.Allow(key)
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if burst <= 0 {
		burst = rps
	}
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) configure(rps, burst int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if burst <= 0 {
		burst = rps
	}
	tb.rate = float64(rps)
	tb.capacity = float64(burst)
	tb.tokens = min(tb.tokens, tb.capacity)
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.rate)
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
