package security

import (
	"fmt"
	"sync"
	"time"
)

// RateLimit configures a token bucket for one operation: max_tokens refill
// over window, plus a fixed burst allowance on top of the steady-state max.
type RateLimit struct {
	MaxTokens  uint32
	WindowSecs uint64
	Burst      uint32
}

// StrictRateLimit returns a RateLimit with no burst allowance.
func StrictRateLimit(maxTokens uint32, windowSecs uint64) RateLimit {
	return RateLimit{MaxTokens: maxTokens, WindowSecs: windowSecs}
}

func (l RateLimit) capacity() float64 {
	return float64(l.MaxTokens + l.Burst)
}

func (l RateLimit) refillRate() float64 {
	return float64(l.MaxTokens) / float64(l.WindowSecs)
}

// tokenBucket is one operation's live bucket state. Distinct from the
// provider-facing internal/ratelimit package, which paces LLM backend calls
// against RPM/TPM/RPD quotas; this bucket paces narrative-issued bot
// commands (e.g. messages.send) against a per-command ceiling a narrative
// author configures independently of provider limits.
type tokenBucket struct {
	limit      RateLimit
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(limit RateLimit) *tokenBucket {
	return &tokenBucket{limit: limit, tokens: limit.capacity(), lastRefill: time.Now()}
}

func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.tokens+elapsed*b.limit.refillRate(), b.limit.capacity())
	b.lastRefill = now
}

func (b *tokenBucket) tryConsume() (bool, time.Duration) {
	b.refill()
	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	secsToWait := (1.0 - b.tokens) / b.limit.refillRate()
	return false, time.Duration(secsToWait * float64(time.Second))
}

func (b *tokenBucket) availableTokens() uint32 {
	b.refill()
	return uint32(b.tokens)
}

// RateLimiter enforces independent per-operation token buckets. It is the
// fourth layer of the secure bot-command execution pipeline, distinct from
// the per-provider internal/ratelimit.Limiter the executor checks before
// calling a backend.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]RateLimit
	buckets map[string]*tokenBucket
}

// NewRateLimiter returns a RateLimiter with no operations configured; an
// operation with no configured limit is always allowed.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limits: make(map[string]RateLimit), buckets: make(map[string]*tokenBucket)}
}

// AddLimit configures (or replaces) the rate limit for operation,
// resetting its bucket to full capacity.
func (r *RateLimiter) AddLimit(operation string, limit RateLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[operation] = limit
	r.buckets[operation] = newTokenBucket(limit)
}

// Check consumes one token for operation, returning a RateLimitExceededError
// when the bucket is empty. An operation with no configured limit passes.
func (r *RateLimiter) Check(operation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[operation]
	if !ok {
		return nil
	}
	ok, retryAfter := bucket.tryConsume()
	if ok {
		return nil
	}
	limit := r.limits[operation]
	return &RateLimitExceededError{
		Operation:  operation,
		Reason:     fmt.Sprintf("rate limit exceeded, retry after %d seconds", int(retryAfter.Seconds())),
		Limit:      limit.MaxTokens,
		WindowSecs: limit.WindowSecs,
		RetryAfter: retryAfter,
	}
}

// AvailableTokens reports the current token count for operation, or false
// if no limit is configured for it.
func (r *RateLimiter) AvailableTokens(operation string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[operation]
	if !ok {
		return 0, false
	}
	return bucket.availableTokens(), true
}

// GetLimit returns the configured RateLimit for operation, if any.
func (r *RateLimiter) GetLimit(operation string) (RateLimit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.limits[operation]
	return limit, ok
}
