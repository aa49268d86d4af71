package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// BudgetConfig is the set of windowed quotas a Budget enforces for
// in-narrative (carousel) reasoning. Unlike a Tier, every dimension here is
// a hard number — carousels always reason about a concrete quota, never an
// "unconstrained" dimension.
type BudgetConfig struct {
	TokensPerMinute   uint64
	TokensPerDay      uint64
	RequestsPerMinute uint64
	RequestsPerDay    uint64
}

// unconstrainedBudget substitutes a large concrete quota for a Tier
// dimension left nil, since BudgetConfig (unlike Tier) always enforces a
// real number on every dimension.
const unconstrainedBudget = uint64(1) << 40

const minutesPerDay = 24 * 60

// BudgetConfigFromTier derives a carousel's BudgetConfig from the resolved
// per-(provider, model) Tier (spec.md §4.A: "a Budget instance wraps the
// tier quotas"). A Tier carries no separate daily-token cap, so
// TokensPerDay is extrapolated from TokensPerMinute across a full day.
func BudgetConfigFromTier(t Tier) BudgetConfig {
	tpm := unconstrainedBudget
	if t.TPM != nil {
		tpm = *t.TPM
	}
	rpm := unconstrainedBudget
	if t.RPM != nil {
		rpm = uint64(*t.RPM)
	}
	rpd := unconstrainedBudget
	if t.RPD != nil {
		rpd = uint64(*t.RPD)
	}
	return BudgetConfig{
		TokensPerMinute:   tpm,
		TokensPerDay:      tpm * minutesPerDay,
		RequestsPerMinute: rpm,
		RequestsPerDay:    rpd,
	}
}

// WithTPMMultiplier returns a copy of the config with TokensPerMinute and
// TokensPerDay scaled by mult. Per spec.md §9's Open Question resolution,
// carousel budget multipliers apply to TPM only (minute and day token
// dimensions); RPM/RPD are left untouched.
func (c BudgetConfig) WithTPMMultiplier(mult float64) BudgetConfig {
	out := c
	out.TokensPerMinute = uint64(float64(c.TokensPerMinute) * mult)
	out.TokensPerDay = uint64(float64(c.TokensPerDay) * mult)
	return out
}

// BudgetRemaining reports how much headroom is left in each window.
type BudgetRemaining struct {
	TokensPerMinute   uint64
	TokensPerDay      uint64
	RequestsPerMinute uint64
	RequestsPerDay    uint64
}

// BudgetExceededError is returned by Consume when the request would exceed
// any configured window; it carries the remaining headroom on every
// dimension so callers can report why.
type BudgetExceededError struct {
	Requested uint64
	Remaining BudgetRemaining
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf(
		"budget exceeded: requested %d tokens, remaining tpm=%d tpd=%d rpm=%d rpd=%d",
		e.Requested, e.Remaining.TokensPerMinute, e.Remaining.TokensPerDay,
		e.Remaining.RequestsPerMinute, e.Remaining.RequestsPerDay,
	)
}

// Budget tracks token/request consumption across rolling minute and day
// windows for a single carousel's execution.
type Budget struct {
	mu sync.Mutex

	config BudgetConfig

	tokensMinute   uint64
	tokensDay      uint64
	requestsMinute uint64
	requestsDay    uint64

	minuteWindowStart time.Time
	dayWindowStart    time.Time

	now func() time.Time
}

// NewBudget creates a budget tracker for the given configuration.
func NewBudget(config BudgetConfig) *Budget {
	now := time.Now()
	return &Budget{
		config:            config,
		minuteWindowStart: now,
		dayWindowStart:    now,
		now:               time.Now,
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// resetWindows ages out expired windows. Must be called with mu held.
func (b *Budget) resetWindows() {
	now := b.now()
	if now.Sub(b.minuteWindowStart) >= time.Minute {
		b.tokensMinute = 0
		b.requestsMinute = 0
		b.minuteWindowStart = now
	}
	if now.Sub(b.dayWindowStart) >= 24*time.Hour {
		b.tokensDay = 0
		b.requestsDay = 0
		b.dayWindowStart = now
	}
}

// CanAfford reports whether tokens additional tokens and one more request
// fit within every configured window. It ages out expired windows first.
func (b *Budget) CanAfford(tokens uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetWindows()
	return b.canAffordLocked(tokens)
}

func (b *Budget) canAffordLocked(tokens uint64) bool {
	tokensOKMinute := b.tokensMinute+tokens <= b.config.TokensPerMinute
	requestsOKMinute := b.requestsMinute < b.config.RequestsPerMinute
	tokensOKDay := b.tokensDay+tokens <= b.config.TokensPerDay
	requestsOKDay := b.requestsDay < b.config.RequestsPerDay
	return tokensOKMinute && requestsOKMinute && tokensOKDay && requestsOKDay
}

// Consume records actual consumption of tokens and one request, failing
// with a *BudgetExceededError (never fatal — callers treat it as a
// per-iteration recoverable signal) if it would exceed any window.
func (b *Budget) Consume(tokens uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetWindows()

	if !b.canAffordLocked(tokens) {
		return &BudgetExceededError{
			Requested: tokens,
			Remaining: b.remainingLocked(),
		}
	}

	b.tokensMinute += tokens
	b.tokensDay += tokens
	b.requestsMinute++
	b.requestsDay++
	return nil
}

// Remaining reports current headroom per dimension, aging out expired
// windows first.
func (b *Budget) Remaining() BudgetRemaining {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetWindows()
	return b.remainingLocked()
}

func (b *Budget) remainingLocked() BudgetRemaining {
	return BudgetRemaining{
		TokensPerMinute:   saturatingSub(b.config.TokensPerMinute, b.tokensMinute),
		TokensPerDay:      saturatingSub(b.config.TokensPerDay, b.tokensDay),
		RequestsPerMinute: saturatingSub(b.config.RequestsPerMinute, b.requestsMinute),
		RequestsPerDay:    saturatingSub(b.config.RequestsPerDay, b.requestsDay),
	}
}
