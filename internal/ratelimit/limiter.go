// Package ratelimit enforces per-(provider, model) RPM/TPM/RPD and
// concurrency limits for every caller of a model backend, plus a standalone
// Budget type carousels use to self-throttle across iterations.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"botticelli/internal/logx"
	"botticelli/internal/metrics"
	"botticelli/internal/telemetry"
)

const (
	secondsPerMinute = 60.0
	secondsPerDay    = 86400.0
)

// rollingWindowLimiter builds a token-bucket limiter whose burst equals the
// whole-window quota and whose refill rate spreads that quota evenly across
// windowSeconds — the Go-ecosystem equivalent of the GCRA rolling window
// described in spec.md §4.A.
func rollingWindowLimiter(quota float64, windowSeconds float64) *rate.Limiter {
	burst := int(quota)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(quota/windowSeconds), burst)
}

var log = logx.New("ratelimit")
var tracer = telemetry.NewTracer("ratelimit")

// Guard is returned by Acquire/TryAcquire. Release must be called exactly
// once to return the held concurrency slot.
type Guard struct {
	release func()
	once    sync.Once
}

// Release returns the concurrency slot. Safe to call multiple times.
func (g *Guard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// modelLimiter holds the resolved rolling-window limiters and concurrency
// semaphore for one (provider, model) pair.
type modelLimiter struct {
	rpm *rate.Limiter
	tpm *rate.Limiter
	rpd *rate.Limiter
	sem *semaphore.Weighted
}

func newModelLimiter(tier Tier) *modelLimiter {
	ml := &modelLimiter{}
	if tier.RPM != nil {
		ml.rpm = rollingWindowLimiter(float64(*tier.RPM), secondsPerMinute)
	}
	if tier.TPM != nil {
		tpm := clampTokens(*tier.TPM)
		ml.tpm = rollingWindowLimiter(float64(tpm), secondsPerMinute)
	}
	if tier.RPD != nil {
		ml.rpd = rollingWindowLimiter(float64(*tier.RPD), secondsPerDay)
	}
	max := int64(math.MaxInt32)
	if tier.MaxConcurrent != nil {
		max = int64(*tier.MaxConcurrent)
	}
	ml.sem = semaphore.NewWeighted(max)
	return ml
}

// clampTokens mirrors the original's "max(1, min(estimated_tokens,
// u32::MAX))" token-cell clamp so a single call never asks for more cells
// than the rate limiter can represent.
func clampTokens(tokens uint64) uint64 {
	const maxU32 = uint64(math.MaxUint32)
	if tokens > maxU32 {
		tokens = maxU32
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Limiter coordinates quota across every (provider, model) pair seen by the
// process. It is process-wide and safe for concurrent use.
type Limiter struct {
	mu     sync.RWMutex
	tiers  map[string]Tier // keyed by provider
	models map[string]*modelLimiter
}

// NewLimiter creates an empty, process-wide rate limiter. Tiers are
// registered per-provider with RegisterTier before first use.
func NewLimiter() *Limiter {
	return &Limiter{
		tiers:  make(map[string]Tier),
		models: make(map[string]*modelLimiter),
	}
}

// RegisterTier sets (or replaces) the tier for a provider. Unknown models
// under this provider fall back to the tier's own defaults via Tier.ForModel.
func (l *Limiter) RegisterTier(provider string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tiers[provider] = tier
	// Drop any cached model limiters for this provider so the new tier
	// takes effect on next acquire.
	for key := range l.models {
		if keyProvider(key) == provider {
			delete(l.models, key)
		}
	}
}

// Tier returns the tier registered for provider, if any, for callers (e.g.
// a narrative's carousel) that need to derive quotas without going through
// Acquire/TryAcquire.
func (l *Limiter) Tier(provider string) (Tier, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tier, ok := l.tiers[provider]
	return tier, ok
}

func modelKey(provider, model string) string { return provider + "\x00" + model }

func keyProvider(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

func (l *Limiter) resolve(provider, model string) (*modelLimiter, error) {
	key := modelKey(provider, model)

	l.mu.RLock()
	ml, ok := l.models[key]
	l.mu.RUnlock()
	if ok {
		return ml, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ml, ok := l.models[key]; ok {
		return ml, nil
	}

	tier, ok := l.tiers[provider]
	if !ok {
		return nil, fmt.Errorf("ratelimit: no tier registered for provider %q", provider)
	}
	resolved := tier.ForModel(model)
	ml = newModelLimiter(resolved)
	l.models[key] = ml
	return ml, nil
}

// Acquire suspends the caller until RPM, TPM, RPD, and a concurrency slot
// are all simultaneously available, in that order — concurrency is
// acquired last so waiters never hold a slot while blocked on a quota.
func (l *Limiter) Acquire(ctx context.Context, provider, model string, estimatedTokens uint64) (guard *Guard, err error) {
	ml, err := l.resolve(provider, model)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.QuotaAcquire(ctx, provider, model)
	defer func() { tracer.RecordError(span, err); span.End() }()
	start := time.Now()

	if ml.rpm != nil {
		if err := ml.rpm.WaitN(ctx, 1); err != nil {
			return nil, fmt.Errorf("ratelimit: rpm wait: %w", err)
		}
	}
	if ml.tpm != nil {
		tokens := int(clampTokens(estimatedTokens))
		if err := waitNInBatches(ctx, ml.tpm, tokens); err != nil {
			return nil, fmt.Errorf("ratelimit: tpm wait: %w", err)
		}
	}
	if ml.rpd != nil {
		if err := ml.rpd.WaitN(ctx, 1); err != nil {
			return nil, fmt.Errorf("ratelimit: rpd wait: %w", err)
		}
	}

	if err := ml.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ratelimit: concurrency acquire: %w", err)
	}

	if wait := time.Since(start); wait > 0 {
		metrics.RateLimiterQueueWait.WithLabelValues(provider, model).Observe(wait.Seconds())
		if wait > time.Millisecond {
			metrics.RateLimiterThrottleTotal.WithLabelValues(provider, model, "quota_wait").Inc()
		}
	}

	log.Debug("acquired guard for %s/%s (est_tokens=%d)", provider, model, estimatedTokens)
	return &Guard{release: func() { ml.sem.Release(1) }}, nil
}

// waitNInBatches waits for n tokens from lim, splitting into burst-sized
// batches when n exceeds the limiter's burst so WaitN never rejects a
// request outright for exceeding burst size.
func waitNInBatches(ctx context.Context, lim *rate.Limiter, n int) error {
	burst := lim.Burst()
	if burst <= 0 {
		burst = 1
	}
	remaining := n
	for remaining > 0 {
		batch := remaining
		if batch > burst {
			batch = burst
		}
		if err := lim.WaitN(ctx, batch); err != nil {
			return err
		}
		remaining -= batch
	}
	return nil
}

// TryAcquire is the non-blocking variant: it returns (nil, nil) if any
// check would block, never suspending the caller.
func (l *Limiter) TryAcquire(provider, model string, estimatedTokens uint64) (*Guard, error) {
	ml, err := l.resolve(provider, model)
	if err != nil {
		return nil, err
	}

	if ml.rpm != nil && !ml.rpm.AllowN(time.Now(), 1) {
		return nil, nil
	}
	if ml.tpm != nil {
		tokens := int(clampTokens(estimatedTokens))
		if !ml.tpm.AllowN(time.Now(), tokens) {
			return nil, nil
		}
	}
	if ml.rpd != nil && !ml.rpd.AllowN(time.Now(), 1) {
		return nil, nil
	}
	if !ml.sem.TryAcquire(1) {
		return nil, nil
	}

	return &Guard{release: func() { ml.sem.Release(1) }}, nil
}
