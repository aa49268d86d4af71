package narrative

import (
	"fmt"

	"botticelli/internal/logx"
	"botticelli/internal/ratelimit"
)

var carouselLog = logx.New("narrative")

// CarouselBudgetExhaustedError reports that StartIteration was called when
// no further iteration may start: either the configured iteration count has
// been reached or the budget cannot afford another iteration.
type CarouselBudgetExhaustedError struct {
	CompletedIterations int
	MaxIterations        int
}

func (e *CarouselBudgetExhaustedError) Error() string {
	return fmt.Sprintf("carousel budget exhausted after %d/%d iterations", e.CompletedIterations, e.MaxIterations)
}

// CarouselState tracks progress through a narrative's carousel iterations
// and self-throttles against a Budget derived from the provider tier.
type CarouselState struct {
	config CarouselConfig
	budget *ratelimit.Budget

	currentIteration      int
	successfulIterations  int
	failedIterations      int
	completed             bool
	budgetExhausted       bool
}

// NewCarouselState builds carousel state from a narrative's CarouselConfig
// and the tier-derived budget configuration it throttles against. Per the
// resolved Open Question, BudgetMultiplier scales only the TPM dimension.
func NewCarouselState(config CarouselConfig, budgetConfig ratelimit.BudgetConfig) *CarouselState {
	if config.BudgetMultiplier != nil {
		budgetConfig = budgetConfig.WithTPMMultiplier(*config.BudgetMultiplier)
	}
	return &CarouselState{
		config: config,
		budget: ratelimit.NewBudget(budgetConfig),
	}
}

// Budget exposes the underlying budget tracker for token accounting after
// an iteration's actual usage is known.
func (s *CarouselState) Budget() *ratelimit.Budget { return s.budget }

// CanContinue reports whether another iteration may be started: the
// iteration cap has not been reached and the budget can afford the
// configured estimate.
func (s *CarouselState) CanContinue() bool {
	if s.currentIteration >= s.config.Iterations {
		carouselLog.Debug("max iterations reached (%d)", s.config.Iterations)
		return false
	}
	if !s.budget.CanAfford(s.config.EstimatedTokensPerIteration) {
		carouselLog.Warn("budget exhausted, cannot continue carousel")
		s.budgetExhausted = true
		return false
	}
	return true
}

// StartIteration advances the iteration counter, or fails with
// CarouselBudgetExhaustedError if CanContinue would return false.
func (s *CarouselState) StartIteration() (int, error) {
	if !s.CanContinue() {
		return 0, &CarouselBudgetExhaustedError{
			CompletedIterations: s.successfulIterations,
			MaxIterations:       s.config.Iterations,
		}
	}
	s.currentIteration++
	carouselLog.Info("starting carousel iteration %d/%d", s.currentIteration, s.config.Iterations)
	return s.currentIteration, nil
}

// RecordSuccess marks the current iteration as having completed without
// error.
func (s *CarouselState) RecordSuccess() {
	s.successfulIterations++
	carouselLog.Debug("carousel iteration %d succeeded (total successful=%d)", s.currentIteration, s.successfulIterations)
}

// RecordFailure marks the current iteration as having failed. The caller
// decides, per ContinueOnError, whether to keep looping.
func (s *CarouselState) RecordFailure() {
	s.failedIterations++
	carouselLog.Warn("carousel iteration %d failed (total failed=%d)", s.currentIteration, s.failedIterations)
}

// ContinueOnError reports the configured policy for iteration failures.
func (s *CarouselState) ContinueOnError() bool { return s.config.ContinueOnError }

// Finish marks the carousel as having stopped iterating, for reporting.
func (s *CarouselState) Finish() {
	s.completed = true
	carouselLog.Info("carousel finished: successful=%d failed=%d budget_exhausted=%v",
		s.successfulIterations, s.failedIterations, s.budgetExhausted)
}

// CarouselResult summarizes a finished carousel's execution.
type CarouselResult struct {
	IterationsAttempted  int
	SuccessfulIterations int
	FailedIterations     int
	Completed            bool
	BudgetExhausted       bool
}

// ResultFromState snapshots a CarouselResult from final carousel state.
func ResultFromState(s *CarouselState) CarouselResult {
	return CarouselResult{
		IterationsAttempted:  s.currentIteration,
		SuccessfulIterations: s.successfulIterations,
		FailedIterations:     s.failedIterations,
		Completed:            s.completed,
		BudgetExhausted:      s.budgetExhausted,
	}
}
