package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the per-client limit.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
	// IdleTTL drops buckets of clients not seen for this long.
	IdleTTL time.Duration
}

// RateLimiter implements token bucket rate limiting per client key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables it.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
		now:     time.Now,
	}
}

// Enabled reports whether any limit is enforced.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.config.RequestsPerSecond > 0
}

// Allow consumes a token for key. Returns the tokens left and whether the
// call is allowed.
func (rl *RateLimiter) Allow(key string) (int, bool) {
	if !rl.Enabled() {
		return 0, true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rl.config.BurstSize),
			lastRefill: now,
		}
		rl.buckets[key] = bucket
	}

	bucket.refill(now, float64(rl.config.RequestsPerSecond), float64(rl.config.BurstSize))
	if bucket.tokens < 1 {
		return 0, false
	}
	bucket.tokens--
	return int(bucket.tokens), true
}

// Limit returns the configured rate.
func (rl *RateLimiter) Limit() int {
	return rl.config.RequestsPerSecond
}

// Sweep drops buckets of idle clients and returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTTL)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// tokenBucket is guarded by the limiter lock.
type tokenBucket struct {
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

func (tb *tokenBucket) refill(now time.Time, rate, capacity float64) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * rate
	}
	if tb.tokens > capacity {
		tb.tokens = capacity
	}
	tb.lastRefill = now
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
